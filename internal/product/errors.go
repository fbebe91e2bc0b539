package product

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

// Kind classifies every failure surfaced by this package. The set is closed.
type Kind string

const (
	// KindInvalidIdentifier covers malformed identifiers (never sent upstream) and
	// well-formed identifiers the upstream does not know.
	KindInvalidIdentifier    Kind = "InvalidIdentifier"
	KindAuthenticationFailed Kind = "AuthenticationFailed"
	KindRateLimitExceeded    Kind = "RateLimitExceeded"
	KindServiceUnavailable   Kind = "ServiceUnavailable"
	KindUnknown              Kind = "Unknown"
)

// HTTPStatus maps a Kind to the status code API handlers respond with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidIdentifier:
		return http.StatusBadRequest
	case KindAuthenticationFailed:
		return http.StatusForbidden
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry without operator intervention.
func (k Kind) Retryable() bool {
	return k == KindRateLimitExceeded || k == KindServiceUnavailable
}

// Error is the error type returned by the client and its transports.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int           // upstream HTTP status, 0 when no response was received
	RetryAfter time.Duration // set for KindRateLimitExceeded when known
	cause      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(cause error, kind Kind, format string, args ...any) *Error {
	e := newError(kind, format, args...)
	e.cause = cause
	return e
}

// KindOf classifies err. Context deadlines count as ServiceUnavailable; anything
// that is not an *Error is Unknown. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindServiceUnavailable
	}
	return KindUnknown
}

// asError converts any error into an *Error, keeping it as the cause.
func asError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(err, KindServiceUnavailable, "upstream call timed out")
	}
	return wrapError(err, KindUnknown, "%v", err)
}
