// Package apperr defines the error taxonomy shared by all components and its
// mapping onto the HTTP error envelope.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping. The value is the
// error class surfaced in the response envelope.
type Kind string

const (
	KindValidation        Kind = "invalid_request_error"
	KindAuthentication    Kind = "authentication_error"
	KindPermission        Kind = "permission_error"
	KindNotFound          Kind = "not_found_error"
	KindRateLimited       Kind = "rate_limit_error"
	KindTransientUpstream Kind = "server_error"
	KindInternal          Kind = "server_error"
)

// Error is a classified error with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error without changing the surfaced message.
func (e *Error) WithCause(err error) *Error {
	out := *e
	out.cause = err
	return &out
}

// WithDetail adds a key to the error details returned to the caller.
func (e *Error) WithDetail(key string, value any) *Error {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// New creates a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation reports a rejected input.
func Validation(code, message string) *Error {
	return New(KindValidation, code, message)
}

// NotFound reports a missing entity.
func NotFound(entity string) *Error {
	return New(KindNotFound, entity+"_not_found", entity+" not found")
}

// Permission reports an ownership or scope violation.
func Permission(message string) *Error {
	return New(KindPermission, "forbidden", message)
}

// Authentication reports a missing or invalid credential.
func Authentication(message string) *Error {
	return New(KindAuthentication, "unauthenticated", message)
}

// Internal wraps an unexpected error. The surfaced message stays generic;
// the cause goes to the logs only.
func Internal(err error) *Error {
	return New(KindInternal, "internal_error", "internal server error").WithCause(err)
}

// HTTPStatus maps an error to its response status.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// AsError extracts an *Error, wrapping unknown errors as internal so raw
// messages never leak to clients.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
