package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies a port failure for the orchestrator's retry policy.
type Kind string

// Failure kinds.
const (
	KindTransientIO Kind = "transient_io"
	KindRateLimited Kind = "rate_limited"
	KindValidation  Kind = "validation"
	KindPermanent   Kind = "permanent"
	KindFatal       Kind = "fatal"
)

// Error is a typed port failure. Op names the port operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// RetryAfter is the source-indicated delay for rate-limited failures;
	// zero means use the default backoff.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a typed port failure.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as a transient I/O failure.
func Transient(op string, err error) *Error {
	return NewError(KindTransientIO, op, err)
}

// Permanent wraps err as a permanent failure.
func Permanent(op string, err error) *Error {
	return NewError(KindPermanent, op, err)
}

// Validation wraps err as a contract violation.
func Validation(op string, err error) *Error {
	return NewError(KindValidation, op, err)
}

// RateLimited wraps err with the delay the source asked for.
func RateLimited(op string, err error, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Op: op, Err: err, RetryAfter: retryAfter}
}

// KindOf extracts the failure kind from an error chain. Untyped timeouts and
// network errors classify as transient; anything else untyped is permanent so
// unknown failures are surfaced rather than retried forever.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientIO
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransientIO
	}
	return KindPermanent
}

// Retryable reports whether the orchestrator should schedule a retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientIO, KindRateLimited:
		return true
	}
	return false
}

// RetryAfterOf returns the source-indicated retry delay, zero if none.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
