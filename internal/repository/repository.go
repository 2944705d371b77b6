package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoRowsAffected is returned when a write that must touch a row touched none.
var ErrNoRowsAffected = errors.New("no rows affected")

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// BeginReadingTx starts a transaction scoped to current reading writes
func (r *Repository) BeginReadingTx(ctx context.Context) (ReadingTx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &pgReadingTx{tx: tx}, nil
}
