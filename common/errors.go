package common

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested item (e.g., cache key, stored task) is not found.
var ErrNotFound = errors.New("eventsync: requested item not found")

// Additional package-level errors
var (
	// ErrTransient marks failures that are expected to succeed on retry (network, 5xx, timeouts).
	ErrTransient = errors.New("eventsync: transient network error")
	// ErrAuthExpired marks failures caused by an expired or rejected credential.
	ErrAuthExpired = errors.New("eventsync: credential expired")
	// ErrValidation marks malformed keys, options or arguments. Never retried.
	ErrValidation = errors.New("eventsync: validation failed")
	// ErrPersistence marks a durable store failure. Always degraded, never fatal.
	ErrPersistence = errors.New("eventsync: persistence failure")
	// ErrTerminalUpload marks an upload whose remote retries are exhausted.
	ErrTerminalUpload = errors.New("eventsync: upload failed")

	ErrTaskNotFound      = errors.New("eventsync: upload task not found")
	ErrInvalidTransition = errors.New("eventsync: invalid task state transition")
	ErrSessionNotFound   = errors.New("eventsync: upload session not found")
	ErrOffsetMismatch    = errors.New("eventsync: upload offset mismatch")
	ErrClosed            = errors.New("eventsync: component closed")
	ErrNilContext        = errors.New("eventsync: nil context provided")
)

// TransientNetworkError wraps a retryable failure.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transient network error: %v", e.Err)
	}
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

func (e *TransientNetworkError) Is(target error) bool { return target == ErrTransient }

// AuthExpiredError signals that the credential used for a request must be refreshed
// before the next attempt.
type AuthExpiredError struct {
	Op     string
	Status int
}

func (e *AuthExpiredError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: credential rejected (status %d)", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: credential rejected", e.Op)
}

func (e *AuthExpiredError) Is(target error) bool { return target == ErrAuthExpired }

// ValidationError reports bad input. Callers see it immediately, without retries.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// PersistenceError wraps a durable store failure for a key.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s for key '%s': %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// TerminalUploadError is recorded on a task once the transfer gave up.
type TerminalUploadError struct {
	TaskID string
	Err    error
}

func (e *TerminalUploadError) Error() string {
	return fmt.Sprintf("upload %s failed: %v", e.TaskID, e.Err)
}

func (e *TerminalUploadError) Unwrap() error { return e.Err }

func (e *TerminalUploadError) Is(target error) bool { return target == ErrTerminalUpload }

// IsRetryable reports whether err should be retried by a retry policy.
// Validation errors and context cancellation are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
