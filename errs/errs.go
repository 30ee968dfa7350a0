// Retry classification shared by every error taxonomy in convo.
package errs

import (
	"context"
	"errors"
)

// Retryable is implemented by every domain error. Validation failures are never retryable,
// infrastructure failures usually are.
type Retryable interface {
	error
	IsRetryable() bool
}

// IsRetryable reports whether err, or the first classified error it wraps, may succeed if tried
// again. Unclassified errors are assumed transient; cancellation is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// Transient marks an infrastructure failure, such as a network or storage error, as retryable.
type Transient struct {
	Op  string
	Err error
}

func (e *Transient) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Transient) Unwrap() error {
	return e.Err
}

func (e *Transient) IsRetryable() bool {
	return true
}

// Fatal marks an error as not worth retrying.
type Fatal struct {
	Err error
}

func (e *Fatal) Error() string {
	return e.Err.Error()
}

func (e *Fatal) Unwrap() error {
	return e.Err
}

func (e *Fatal) IsRetryable() bool {
	return false
}
