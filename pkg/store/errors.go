// Package store implements the durable item, queue, category, and statistics
// stores on top of the database client.
package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists indicates a unique constraint collision.
	ErrAlreadyExists = errors.New("record already exists")
)

// ValidationError reports invalid input to a store operation.
type ValidationError struct {
	Field  string
	Reason string
}

// Error returns the formatted message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a validation error.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
