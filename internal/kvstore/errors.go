package kvstore

import (
	"errors"
	"fmt"
)

// TransientCallError is a retryable failure of a single remote call:
// network errors, timeouts, throttling and server-side errors.
type TransientCallError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientCallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientCallError) Unwrap() error {
	return e.Err
}

// FatalCallError is a failure that will not go away by retrying, such as a
// rejected token or a malformed command.
type FatalCallError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *FatalCallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: fatal failure (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: fatal failure: %v", e.Op, e.Err)
}

func (e *FatalCallError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is, or wraps, a *FatalCallError.
func IsFatal(err error) bool {
	var fatal *FatalCallError
	return errors.As(err, &fatal)
}

// IsTransient reports whether err is, or wraps, a *TransientCallError.
func IsTransient(err error) bool {
	var transient *TransientCallError
	return errors.As(err, &transient)
}
