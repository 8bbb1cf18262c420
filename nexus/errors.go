package nexus

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the graph has no resource at the requested id.
var ErrNotFound = errors.New("resource not found")

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// GraphIOError is the final failure of a graph operation after retries.
type GraphIOError struct {
	Op       string
	ID       string
	Attempts int
	Err      error
}

func (e *GraphIOError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("graph %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("graph %s %s failed after %d attempt(s): %v", e.Op, e.ID, e.Attempts, e.Err)
}

func (e *GraphIOError) Unwrap() error {
	return e.Err
}

// IsGraphIOError reports whether err carries a GraphIOError.
func IsGraphIOError(err error) bool {
	var gio *GraphIOError
	return errors.As(err, &gio)
}
