package retry

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/quota-dispatcher/pkg/work"
)

// Common errors returned by the executor.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// ExhaustedError reports that only retryable errors were seen and the
// retry budget ran out. It classifies as work.KindExhausted and unwraps to
// both ErrRetryExhausted and the last underlying error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrRetryExhausted, e.Attempts, e.Last)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrRetryExhausted, e.Last}
}

// ErrorKind implements work.Kinded.
func (e *ExhaustedError) ErrorKind() work.ErrorKind {
	return work.KindExhausted
}

// Decision is the outcome of classifying an error.
type Decision int

const (
	// Fatal errors end the call immediately.
	Fatal Decision = iota

	// Retryable errors are retried while budget remains.
	Retryable
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	if d == Retryable {
		return "retryable"
	}
	return "fatal"
}

// Classifier decides whether an error is retryable. Classification is
// injected because retryability is API-specific.
type Classifier func(error) Decision

// ClassifyKinds returns a Classifier treating errors whose work.KindOf is in
// kinds as retryable and everything else as fatal.
func ClassifyKinds(kinds ...work.ErrorKind) Classifier {
	set := append([]work.ErrorKind(nil), kinds...)
	return func(err error) Decision {
		if work.IsRetryableKind(work.KindOf(err), set) {
			return Retryable
		}
		return Fatal
	}
}
