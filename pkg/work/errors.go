package work

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure.
type ErrorKind string

const (
	// KindQuota is a provider throttling signal. Retryable by default.
	KindQuota ErrorKind = "quota"

	// KindTransient is a server-side fault or timeout. Retryable by default.
	KindTransient ErrorKind = "transient"

	// KindRequest is a permanent rejection (malformed input, auth).
	KindRequest ErrorKind = "request"

	// KindExhausted means the retry budget ran out on retryable errors.
	KindExhausted ErrorKind = "exhausted"

	// KindConfiguration is a structural problem, e.g. an item whose cost
	// exceeds the limiter capacity or a batch reply without indices.
	KindConfiguration ErrorKind = "configuration"

	// KindCancelled marks an item aborted by cancellation of the run.
	KindCancelled ErrorKind = "cancelled"
)

// DefaultRetryable is the retryable set used when none is configured.
var DefaultRetryable = []ErrorKind{KindQuota, KindTransient}

// ParseErrorKind validates a textual kind.
func ParseErrorKind(s string) (ErrorKind, error) {
	switch k := ErrorKind(s); k {
	case KindQuota, KindTransient, KindRequest, KindExhausted, KindConfiguration, KindCancelled:
		return k, nil
	default:
		return "", fmt.Errorf("unknown error kind %q", s)
	}
}

// CallError is a typed failure returned by remote calls and infrastructure.
type CallError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *CallError) Unwrap() error {
	return e.Err
}

// ErrorKind implements Kinded.
func (e *CallError) ErrorKind() ErrorKind {
	return e.Kind
}

// Kinded is implemented by errors that carry their own classification.
// KindOf uses the outermost Kinded error in a chain.
type Kinded interface {
	error
	ErrorKind() ErrorKind
}

// NewError builds a CallError without a status code.
func NewError(kind ErrorKind, err error) *CallError {
	return &CallError{Kind: kind, Err: err}
}

// KindOf classifies err. Unknown errors are KindRequest, so they are fatal
// unless the retryable set says otherwise.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindRequest
}

// IsRetryableKind reports whether kind is in set.
func IsRetryableKind(kind ErrorKind, set []ErrorKind) bool {
	for _, k := range set {
		if k == kind {
			return true
		}
	}
	return false
}
