// Package errkind defines the typed error taxonomy every external adapter
// returns errors through: transient, rate_limited, auth, invalid_input, and
// upstream. Each kind implements Temporary()/Timeout() so the retry executor
// can classify an error without string matching.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies which of the five taxonomy buckets an error belongs to.
type Kind string

const (
	Transient    Kind = "transient"
	RateLimited  Kind = "rate_limited"
	Auth         Kind = "auth"
	InvalidInput Kind = "invalid_input"
	Upstream     Kind = "upstream"
)

// Error wraps an underlying adapter error with its taxonomy kind.
type Error struct {
	Kind    Kind
	Adapter string
	Err     error
}

func (e *Error) Error() string {
	if e.Adapter != "" {
		return fmt.Sprintf("%s: %s: %v", e.Adapter, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether the error is safe to retry without operator
// intervention. Transient and RateLimited are temporary; Auth and
// InvalidInput are not (retrying won't help); Upstream is temporary since
// upstream shape drift is often one malformed item in a batch, not systemic.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case Transient, RateLimited, Upstream:
		return true
	default:
		return false
	}
}

// Timeout reports whether the error specifically represents a deadline or
// connection timeout, a subset of Transient.
func (e *Error) Timeout() bool {
	return e.Kind == Transient
}

// New wraps err as the given kind for the named adapter.
func New(kind Kind, adapter string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Adapter: adapter, Err: err}
}

// Transientf builds a Transient error with a formatted message.
func Transientf(adapter, format string, args ...interface{}) *Error {
	return &Error{Kind: Transient, Adapter: adapter, Err: fmt.Errorf(format, args...)}
}

// RateLimitedf builds a RateLimited error with a formatted message.
func RateLimitedf(adapter, format string, args ...interface{}) *Error {
	return &Error{Kind: RateLimited, Adapter: adapter, Err: fmt.Errorf(format, args...)}
}

// Authf builds an Auth error with a formatted message.
func Authf(adapter, format string, args ...interface{}) *Error {
	return &Error{Kind: Auth, Adapter: adapter, Err: fmt.Errorf(format, args...)}
}

// InvalidInputf builds an InvalidInput error with a formatted message.
func InvalidInputf(adapter, format string, args ...interface{}) *Error {
	return &Error{Kind: InvalidInput, Adapter: adapter, Err: fmt.Errorf(format, args...)}
}

// Upstreamf builds an Upstream error with a formatted message.
func Upstreamf(adapter, format string, args ...interface{}) *Error {
	return &Error{Kind: Upstream, Adapter: adapter, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the taxonomy Kind from err or from the first *Error in
// its wrap chain, defaulting to Transient for errors that never went
// through New/the helper constructors, matching the teacher's
// IsRetryableError default-to-retryable posture.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}
