package contracts

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the tagged error taxonomy for adapter and analyst failures.
// The engine dispatches on the tag, never on concrete error types.
type ErrorKind string

const (
	// ErrAuthExpired: adapter credentials lapsed; recovered locally by the
	// adapter via single-flight refresh.
	ErrAuthExpired ErrorKind = "AUTH_EXPIRED"
	// ErrRateLimited: platform throttled us; RetryAfter is honoured.
	ErrRateLimited ErrorKind = "RATE_LIMITED"
	// ErrTransient: retryable inside the adapter with bounded backoff.
	ErrTransient ErrorKind = "TRANSIENT"
	// ErrValidation: non-retryable bad input; aborts the affected proposal only.
	ErrValidation ErrorKind = "VALIDATION"
	// ErrNotFound: campaign no longer exists on the platform.
	ErrNotFound ErrorKind = "NOT_FOUND"
	// ErrUnavailable: platform outage; the platform is excluded this tick.
	ErrUnavailable ErrorKind = "UNAVAILABLE"
	// ErrAnalystTimeout: the analyst did not answer within the deadline.
	ErrAnalystTimeout ErrorKind = "ANALYST_TIMEOUT"
	// ErrAnalystMalformed: the analyst response failed schema validation.
	ErrAnalystMalformed ErrorKind = "ANALYST_MALFORMED"
	// ErrInvariantViolation: a bug; aborts the tick with a CRITICAL entry.
	ErrInvariantViolation ErrorKind = "INVARIANT_VIOLATION"
)

// AdapterError is the tagged result every adapter failure is wrapped in.
type AdapterError struct {
	Kind       ErrorKind
	Platform   PlatformID
	RetryAfter time.Duration // set for RATE_LIMITED
	Err        error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Platform, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Platform)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewAdapterError wraps err with a kind tag.
func NewAdapterError(kind ErrorKind, platform PlatformID, err error) *AdapterError {
	return &AdapterError{Kind: kind, Platform: platform, Err: err}
}

// NewRateLimited wraps a RATE_LIMITED error carrying the platform's
// retry-after hint.
func NewRateLimited(platform PlatformID, retryAfter time.Duration, err error) *AdapterError {
	return &AdapterError{Kind: ErrRateLimited, Platform: platform, RetryAfter: retryAfter, Err: err}
}

// KindOf extracts the error kind, or "" for untagged errors.
func KindOf(err error) ErrorKind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsKind reports whether err carries the given tag.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error kind may succeed on retry within the
// same tick.
func (k ErrorKind) Retryable() bool {
	return k == ErrTransient || k == ErrRateLimited || k == ErrAuthExpired
}
