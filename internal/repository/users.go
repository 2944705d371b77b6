package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/septivank/field-readings/internal/db"
)

const selectFieldUser = `
	SELECT id, login, pwd, created_at, last_login
	FROM field_users
`

// FindUserByLogin returns the field user with the given login, or nil when none exists
func (r *Repository) FindUserByLogin(ctx context.Context, login string) (*db.FieldUser, error) {
	return r.findUser(ctx, selectFieldUser+` WHERE login = $1 LIMIT 1`, login)
}

// FindUserByID returns the field user with the given id, or nil when none exists
func (r *Repository) FindUserByID(ctx context.Context, id uuid.UUID) (*db.FieldUser, error) {
	return r.findUser(ctx, selectFieldUser+` WHERE id = $1 LIMIT 1`, id)
}

func (r *Repository) findUser(ctx context.Context, query string, arg any) (*db.FieldUser, error) {
	var user db.FieldUser
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&user.ID,
		&user.Login,
		&user.Pwd,
		&user.CreatedAt,
		&user.LastLogin,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query field user: %w", err)
	}
	return &user, nil
}

// TouchLastLogin records a successful login
func (r *Repository) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE field_users SET last_login = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to update last_login: %w", err)
	}
	return nil
}
