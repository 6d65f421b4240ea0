package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation failures. The product sentinels all
// wrap ErrInvalidProduct so callers can match the family with one check.
var (
	ErrInvalidProduct  = errors.New("invalid product")
	ErrMissingID       = fmt.Errorf("%w: missing id", ErrInvalidProduct)
	ErrMissingName     = fmt.Errorf("%w: missing name", ErrInvalidProduct)
	ErrNegativePrice   = fmt.Errorf("%w: negative price", ErrInvalidProduct)
	ErrInvalidCategory = fmt.Errorf("%w: invalid category", ErrInvalidProduct)
	ErrInvalidEvent    = errors.New("invalid recommendation event")
)

// ValidationError wraps a sentinel with field context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
