package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrDuplicateJob = errors.New("duplicate job id")
	// ErrDuplicateEvent marks an idempotent replay. It is informational.
	ErrDuplicateEvent = errors.New("duplicate event")
	ErrStorage        = errors.New("storage error")
	ErrWorkerLost     = errors.New("worker lost")
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrMissingKey     = errors.New("idempotency key is required")
)

// ValidationError is a user-visible input problem. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError without a field.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// UpstreamError wraps a failing external provider (parser, renderer, TTS).
type UpstreamError struct {
	Provider string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// InsufficientBalanceError reports the exact shortfall for a debit or hold.
type InsufficientBalanceError struct {
	Requested Minutes
	Available Minutes
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient minutes: need %s more", e.Needed())
}

// Needed is how many more minutes the user must buy.
func (e *InsufficientBalanceError) Needed() Minutes {
	if e.Available >= e.Requested {
		return 0
	}
	return e.Requested - e.Available
}

// StorageFailure wraps err so errors.Is(err, ErrStorage) holds.
func StorageFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// IsInsufficientBalance unwraps an InsufficientBalanceError.
func IsInsufficientBalance(err error) (*InsufficientBalanceError, bool) {
	var ib *InsufficientBalanceError
	if errors.As(err, &ib) {
		return ib, true
	}
	return nil, false
}
