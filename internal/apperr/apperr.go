// Package apperr defines the typed error kinds shared by every service
// boundary (lifecycle, config, management, store). HTTP layers classify
// errors with errors.As instead of matching substrings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for HTTP status mapping at the edge.
type Kind string

const (
	KindNotFound        Kind = "NOT_FOUND"
	KindConflict        Kind = "CONFLICT"
	KindValidation      Kind = "VALIDATION"
	KindUnauthorized    Kind = "UNAUTHORIZED"
	KindBackendDown     Kind = "BACKEND_DOWN"
	KindUpstreamFailure Kind = "UPSTREAM_FAILURE"
	KindUpstreamTimeout Kind = "UPSTREAM_TIMEOUT"
	KindInternal        Kind = "INTERNAL"
)

// Error is the single error type every service boundary returns. Code is
// a short machine-readable token (e.g. "OPERATION_IN_PROGRESS") used by
// end-to-end tests and surfaced to API clients; it may be empty.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, "NOT_FOUND", format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return newf(KindConflict, code, format, args...)
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, "VALIDATION", format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newf(KindUnauthorized, "UNAUTHORIZED", format, args...)
}

func BackendDown(format string, args ...any) *Error {
	return newf(KindBackendDown, "BACKEND_DOWN", format, args...)
}

func UpstreamFailure(err error) *Error {
	return &Error{Kind: KindUpstreamFailure, Code: "UPSTREAM_FAILURE", Message: "upstream request failed", Err: err}
}

func UpstreamTimeout(err error) *Error {
	return &Error{Kind: KindUpstreamTimeout, Code: "UPSTREAM_TIMEOUT", Message: "upstream request timed out", Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL", Message: "internal error", Err: err}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HasCode reports whether err carries the given machine-readable code.
// Callers that tolerate one specific conflict (say, "already stopped")
// must use this rather than Is, since every conflict shares a Kind.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// StatusCode maps an error's Kind to its HTTP status.
func StatusCode(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return 500
	}
	switch e.Kind {
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindValidation:
		return 400
	case KindUnauthorized:
		return 401
	case KindBackendDown:
		return 503
	case KindUpstreamFailure:
		return 502
	case KindUpstreamTimeout:
		return 504
	default:
		return 500
	}
}
