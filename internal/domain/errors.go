package domain

import "errors"

var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("resource conflict")
	ErrLeaseHeld    = errors.New("run lease held by another worker")
	ErrNotClaimable = errors.New("run is not claimable")

	// ErrInvariant marks a broken lifecycle invariant. It signals a programming
	// defect and is never recovered from.
	ErrInvariant = errors.New("investigation invariant violated")
)

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
