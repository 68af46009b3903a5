// Package errs defines the error taxonomy shared by the pipeline and its adapters.
package errs

import (
	"context"
	"errors"
)

var (
	// ErrInvalidRequest marks caller mistakes (empty query, unknown class level, bad role).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrServiceUnavailable marks an upstream failure after retries were exhausted.
	// Callers surface it as a generic "try again" message.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrMalformedOutput marks inference output that does not parse into the expected shape.
	ErrMalformedOutput = errors.New("malformed model output")

	// ErrDimensionMismatch marks an embedding whose length differs from the configured dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrNotFound marks a missing session or record.
	ErrNotFound = errors.New("not found")

	// ErrSessionConflict marks a turn append that would break the session's ordering.
	ErrSessionConflict = errors.New("session conflict")
)

// transientError marks an error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the retry layer will try again.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is worth retrying: explicitly marked transient
// errors and per-attempt deadlines.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
