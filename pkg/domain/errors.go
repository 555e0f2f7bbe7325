package domain

import (
	"errors"
	"fmt"
)

// Caller-visible outcomes. All are recoverable except ErrUnavailable,
// which signals the persistence layer could not be reached.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("authentication required")
	ErrLockedOut          = errors.New("account temporarily locked, try again later")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyResolved    = errors.New("already resolved")
	ErrCapacityExceeded   = errors.New("capacity exceeded, try again later")
	ErrInactive           = errors.New("inactive")
	ErrExpired            = errors.New("expired")
	ErrInvalidPricing     = errors.New("no pricing tier matches the request")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrUnavailable        = errors.New("service unavailable")
)

// Unavailable wraps a persistence failure so callers can match it with
// errors.Is(err, ErrUnavailable) while keeping the cause for logs.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// InvalidRequest builds an ErrInvalidRequest carrying a reason.
func InvalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
