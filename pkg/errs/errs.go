// Package errs defines the error taxonomy shared across the engine.
// Components wrap the errors a caller must act on into an *Error
// carrying a Kind so the HTTP surface can map a single switch onto
// status codes; any other error maps to KindInternal.
package errs

import "errors"

// Kind classifies an error for status-code mapping and client handling.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindBadRequest  Kind = "bad_request"
	KindRateLimited Kind = "rate_limited"
	KindUnauthorized Kind = "unauthorized"
	KindExpired     Kind = "expired"
	KindProveError  Kind = "prove_error"
	KindProveTimeout Kind = "prove_timeout"
	KindUpstreamError Kind = "upstream_error"
	KindConfigError Kind = "config_error"
	KindInternal    Kind = "internal"
)

// Sentinel errors returned by package-level helpers (errors.Is targets).
var (
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrExpired        = errors.New("resource expired")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrInvalidPhase   = errors.New("invalid phase transition")
	ErrLockHeld       = errors.New("fingerprint lock already held")
	ErrUnauthorized   = errors.New("unauthorized")
)

// Error wraps a cause with a Kind so callers can branch without
// string-matching messages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and
// KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
