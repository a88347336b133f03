// Package apierr defines the typed error kinds shared by every control-plane
// service and the HTTP status codes they map to (spec §7). Services return
// these as sum-type-like sentinel-wrapped errors instead of raising
// exceptions deep in call stacks; the HTTP edge is the only place that
// translates them into a status code and body.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindUnauthenticated      Kind = "unauthenticated"
	KindForbidden            Kind = "forbidden"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindInvalidState         Kind = "invalid_state"
	KindPaymentRequired      Kind = "payment_required"
	KindLimitExceeded        Kind = "limit_exceeded"
	KindUpstreamUnavailable  Kind = "upstream_unavailable"
	KindInternal             Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindUnauthenticated:     http.StatusUnauthorized,
	KindForbidden:           http.StatusForbidden,
	KindNotFound:            http.StatusNotFound,
	KindConflict:            http.StatusBadRequest,
	KindInvalidState:        http.StatusBadRequest,
	KindPaymentRequired:     http.StatusPaymentRequired,
	KindLimitExceeded:       http.StatusBadRequest,
	KindUpstreamUnavailable: http.StatusBadGateway,
	KindInternal:            http.StatusInternalServerError,
}

// Error is a typed, user-facing error. Message is safe to return to callers;
// wrapped carries the underlying cause for logging only.
type Error struct {
	Kind    Kind
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: cause}
}

func NotFound(message string) *Error        { return New(KindNotFound, message) }
func Conflict(message string) *Error        { return New(KindConflict, message) }
func InvalidState(message string) *Error    { return New(KindInvalidState, message) }
func PaymentRequired(message string) *Error { return New(KindPaymentRequired, message) }
func LimitExceeded(message string) *Error   { return New(KindLimitExceeded, message) }
func Forbidden(message string) *Error       { return New(KindForbidden, message) }
func Unauthenticated(message string) *Error { return New(KindUnauthenticated, message) }

func Upstream(cause error) *Error {
	return Wrap(KindUpstreamUnavailable, "upstream hypervisor or gateway unavailable", cause)
}

func Internal(cause error) *Error {
	return Wrap(KindInternal, "internal error", cause)
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusOf returns the HTTP status for an arbitrary error, defaulting to 500.
func StatusOf(err error) int {
	if e, ok := As(err); ok {
		return e.Status()
	}
	return http.StatusInternalServerError
}
