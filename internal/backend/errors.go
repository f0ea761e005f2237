package backend

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a backend failure. Only retryable kinds (rate-limited,
// transient) count toward the circuit breaker; terminal kinds (auth,
// validation) fail the calling job without influencing breaker state.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimited
	KindAuth
	KindValidation
	KindTransient
)

// String returns the kind name used in logs and job error strings.
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is a classified backend failure.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // set for KindRateLimited when the API provides a hint
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("backend %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// RateLimitedError builds a rate-limited failure with a retry hint.
func RateLimitedError(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("retry after %s", retryAfter),
		RetryAfter: retryAfter,
	}
}

// AuthError builds a terminal authentication failure.
func AuthError(msg string) *Error {
	return &Error{Kind: KindAuth, Message: msg}
}

// ValidationError builds a terminal input-validation failure.
func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

// TransientError builds a retryable failure (timeouts, 5xx, unreachable).
func TransientError(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Message: msg, Err: err}
}

// Kind extracts the error kind from err, or KindUnknown when err is not a
// backend error. Unknown failures are treated as transient by IsRetryable so
// an unclassified outage still trips the breaker.
func Kind(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err should count toward circuit breaker
// failures. Caller-side validation and auth failures never do.
func IsRetryable(err error) bool {
	switch Kind(err) {
	case KindAuth, KindValidation:
		return false
	default:
		return true
	}
}

// RetryAfter returns the retry hint carried by a rate-limited error, or zero.
func RetryAfter(err error) time.Duration {
	var be *Error
	if errors.As(err, &be) {
		return be.RetryAfter
	}
	return 0
}
