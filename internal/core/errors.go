package core

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the stable error tag surfaced to callers. The HTTP and WebSocket
// layers map kinds to status codes; the kind string itself is part of the
// wire contract and must not change.
type Kind string

const (
	KindUnauthenticated       Kind = "unauthenticated"
	KindUnauthorized          Kind = "unauthorized"
	KindRateLimited           Kind = "rate_limited"
	KindInvalidInput          Kind = "invalid_input"
	KindInvalidGeometry       Kind = "invalid_geometry"
	KindConsentRequired       Kind = "consent_required"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindInternal              Kind = "internal"
)

// Error is a tagged error with a stable kind and a human-readable message.
type Error struct {
	Kind    Kind
	Message string

	// RetryAfter is set on rate_limited errors so callers can populate
	// a Retry-After header.
	RetryAfter time.Duration

	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// E builds a tagged error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind and message.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// RateLimited builds a rate_limited error carrying a suggested retry delay.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded, retry in %s", retryAfter.Round(time.Second)),
		RetryAfter: retryAfter,
	}
}

// KindOf extracts the kind from an error chain. Untagged errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
