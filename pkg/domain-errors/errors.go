// Package domainerrors provides the coded error type returned across service
// boundaries. Stores report infrastructure facts via pkg/platform/sentinel;
// services translate those into coded errors; the HTTP layer maps codes to
// status lines without ever leaking collaborator internals to clients.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for transport mapping and retry decisions.
type Code string

const (
	// CodeValidation marks malformed or policy-disallowed input.
	CodeValidation Code = "validation_error"
	// CodeConflict marks a state race or duplicate active resource.
	CodeConflict Code = "conflict"
	// CodeNotFound marks a missing entity.
	CodeNotFound Code = "not_found"
	// CodeSecurity marks OTP, signature, or authorization failures.
	CodeSecurity Code = "security_error"
	// CodeRateLimited marks a rolling-window limit breach.
	CodeRateLimited Code = "rate_limited"
	// CodeExternal marks a collaborator timeout or unavailability. Callers
	// treat it fail-closed.
	CodeExternal Code = "external_service_error"
	// CodeInternal marks everything the caller cannot act on.
	CodeInternal Code = "internal_error"
)

// Error is a coded domain error with a client-safe message.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error. The message must be safe to show to clients.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and client-safe message to an underlying error. The
// cause is preserved for logs but never serialized to clients.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Is is a convenience alias for HasCode used at call sites that read better
// as a predicate.
func Is(err error, code Code) bool { return HasCode(err, code) }

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// MessageOf extracts the client-safe message from err. Unknown errors map to
// a generic message so collaborator internals stay out of responses.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}

// ToHTTPStatus maps a code to its HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeSecurity:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
