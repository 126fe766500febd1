// Package errors provides standardized domain errors that express business intent
// rather than infrastructure details. These errors should be used by use cases
// and mapped to appropriate HTTP status codes by handlers.
package errors

import (
	"errors"
	"fmt"
)

// Standard domain errors that can be used across all domain modules.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with existing data (e.g., duplicate key).
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates the input data is invalid or fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConcurrencyConflict indicates an optimistic write lost a version race.
	// Callers must re-read current state and recompute before retrying.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrDefinitionNotFound indicates the saga type is not present in the registry.
	ErrDefinitionNotFound = errors.New("saga definition not found")

	// ErrStepTimeout indicates a remote step invocation exceeded its timeout.
	ErrStepTimeout = errors.New("step timeout")

	// ErrStepInvocation indicates a remote step invocation failed after all retries.
	ErrStepInvocation = errors.New("step invocation failed")

	// ErrCompensationFailed indicates a compensation action exhausted its retries.
	ErrCompensationFailed = errors.New("compensation failed")

	// ErrInvalidTransition indicates an operation is not allowed in the
	// instance's current state (e.g., cancelling a completed saga).
	ErrInvalidTransition = errors.New("invalid state transition")
)

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New for consistency.
func New(message string) error {
	return errors.New(message)
}

// Wrap wraps an error with additional context while preserving the error chain.
// Use this to add context at each layer without losing the original error type.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}
