package service

import "errors"

var (
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized covers bad credentials and missing sessions.
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError reports a rejected request before any storage access.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
