package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/field-readings/internal/db"
	"github.com/septivank/field-readings/internal/logging"
	"go.uber.org/zap"
)

// Session identifies an authenticated field reader
type Session struct {
	ID    uuid.UUID `json:"id"`
	Login string    `json:"login"`
}

// UserStore reads and touches field user accounts
type UserStore interface {
	FindUserByLogin(ctx context.Context, login string) (*db.FieldUser, error)
	FindUserByID(ctx context.Context, id uuid.UUID) (*db.FieldUser, error)
	TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

// AuthService checks field reader credentials and sessions
type AuthService struct {
	users  UserStore
	logger *zap.Logger
	now    func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(users UserStore, logger *zap.Logger) *AuthService {
	return &AuthService{users: users, logger: logger, now: time.Now}
}

// Login verifies credentials and records the login time.
//
// TODO: passwords are stored and compared in plaintext; move to a salted hash
// once the account provisioning tool can write one.
func (s *AuthService) Login(ctx context.Context, login, pwd string) (*Session, error) {
	if login == "" || pwd == "" {
		return nil, &ValidationError{Reason: "missing login or password"}
	}

	user, err := s.users.FindUserByLogin(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	if user == nil || subtle.ConstantTimeCompare([]byte(user.Pwd), []byte(pwd)) != 1 {
		logging.FromContext(ctx, s.logger).Info("rejected login", zap.String("login", login))
		return nil, fmt.Errorf("%w: invalid login or password", ErrUnauthorized)
	}

	if err := s.users.TouchLastLogin(ctx, user.ID, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	return &Session{ID: user.ID, Login: user.Login}, nil
}

// Session resolves a session id (the user id carried by the cookie)
func (s *AuthService) Session(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: no session", ErrUnauthorized)
	}

	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed session", ErrUnauthorized)
	}

	user, err := s.users.FindUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: unknown session", ErrUnauthorized)
	}

	return &Session{ID: user.ID, Login: user.Login}, nil
}
