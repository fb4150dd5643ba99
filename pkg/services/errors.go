// Package services implements the canonical entity graph over the
// relational store: flows, requests, test cases, responses, anomalies,
// and executions.
package services

import (
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when a unique constraint is violated.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrConflict is returned when an operation is invalid for the
	// entity's current state (e.g. cancelling a finished execution).
	ErrConflict = errors.New("conflicting state")

	// ErrStorage wraps store failures that persisted through the local
	// retry.
	ErrStorage = errors.New("storage failure")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// withRetry runs op, retrying exactly once on storage-level failure.
// Domain errors (not found, duplicates, validation) are returned as-is;
// a second storage failure is surfaced wrapped in ErrStorage.
func withRetry(op func() error) error {
	err := op()
	if err == nil || isDomainError(err) {
		return err
	}
	if err = op(); err == nil || isDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

// mapNoRows converts sql.ErrNoRows into ErrNotFound; other errors pass
// through unchanged.
func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isDomainError(err error) bool {
	var ve *ValidationError
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrConflict) ||
		errors.As(err, &ve)
}
