package domain

import "errors"

// Domain errors
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidAmount   = errors.New("invalid award amount")
	ErrInvalidAction   = errors.New("unknown award action")
	ErrVersionConflict = errors.New("progress record changed concurrently")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInternalError   = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}
