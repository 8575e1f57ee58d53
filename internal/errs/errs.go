// Package errs holds the client-facing error taxonomy. Package-level
// sentinels in other packages are *Error values so errors.Is matches on the
// taxonomy code while the message stays package specific.
package errs

import (
	"errors"
	"net/http"
	"time"
)

// Code is a stable, client-visible error identifier.
type Code string

const (
	CodeInvalidCredentials      Code = "INVALID_CREDENTIALS"
	CodeLockedOut               Code = "LOCKED_OUT"
	CodeRateLimited             Code = "RATE_LIMITED"
	CodeTokenExpired            Code = "TOKEN_EXPIRED"
	CodeTokenRevoked            Code = "TOKEN_REVOKED"
	CodeTokenInvalid            Code = "TOKEN_INVALID"
	CodePolicyConfig            Code = "POLICY_CONFIG_ERROR"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeSigningKeyUnavailable   Code = "SIGNING_KEY_UNAVAILABLE"
	CodeInvalidRequest          Code = "INVALID_REQUEST"
	CodeNotFound                Code = "NOT_FOUND"
	CodeInternal                Code = "INTERNAL"
)

// Error carries a taxonomy code, an optional retry hint and the internal cause.
type Error struct {
	Code       Code
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New returns a sentinel with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap attaches code to err.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// Retry returns a copy of sentinel carrying a retry-after duration.
func Retry(sentinel *Error, after time.Duration) *Error {
	cp := *sentinel
	cp.RetryAfter = after
	return &cp
}

// Internal wraps an unexpected failure. The cause is logged, never shown.
func Internal(msg string, err error) *Error {
	return Wrap(CodeInternal, msg, err)
}

// CodeOf extracts the taxonomy code, defaulting to INTERNAL.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// RetryAfterOf extracts the retry hint if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// HTTPStatus maps a code to the transport status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidCredentials, CodeTokenExpired, CodeTokenRevoked, CodeTokenInvalid:
		return http.StatusUnauthorized
	case CodeLockedOut:
		return http.StatusLocked
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeInsufficientPermissions:
		return http.StatusForbidden
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeSigningKeyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
