package domain

import (
	"errors"
	"fmt"
)

// Error codes reported on /queue/errors and in REST error envelopes.
const (
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeMalformedFrame    = "MALFORMED_FRAME"
	ErrCodeDeliveryFailed    = "DELIVERY_FAILED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
)

var (
	// ErrAuthFailure means the credential was missing, invalid, or expired.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrDeliveryFailure means a write to the recipient's session failed.
	ErrDeliveryFailure = errors.New("delivery failed")
	// ErrNotSubscribed means the session has no subscription for the destination.
	ErrNotSubscribed = errors.New("destination not subscribed")
	// ErrSessionClosed means the session is no longer open.
	ErrSessionClosed = errors.New("session closed")
	// ErrCallNotFound means no call session exists for the given ID.
	ErrCallNotFound = errors.New("call session not found")
	// ErrNotFound is returned by stores for unknown records.
	ErrNotFound = errors.New("record not found")
)

// Error is a request-scoped failure reported back to the originating session.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a coded error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates a coded error around err.
func WrapError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// BadRequest is shorthand for a BAD_REQUEST error.
func BadRequest(format string, args ...any) *Error {
	return NewError(ErrCodeBadRequest, fmt.Sprintf(format, args...))
}

// Forbidden is shorthand for a FORBIDDEN error.
func Forbidden(format string, args ...any) *Error {
	return NewError(ErrCodeForbidden, fmt.Sprintf(format, args...))
}

// CodeOf extracts the code from err, defaulting to INTERNAL_ERROR.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	switch {
	case errors.Is(err, ErrAuthFailure):
		return ErrCodeUnauthorized
	case errors.Is(err, ErrCallNotFound), errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	}
	return ErrCodeInternalError
}

// ErrorBody is the JSON sent to /queue/errors/{userId}.
type ErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Error       string `json:"error"`
	Destination string `json:"destination,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// MsgTypeError is the type tag of ErrorBody.
const MsgTypeError = "ERROR"

// NewErrorBody renders err for the error channel. Only the message of a
// coded error is exposed; other errors are reported generically.
func NewErrorBody(err error, destination string, ts int64) *ErrorBody {
	msg := "internal error"
	var de *Error
	if errors.As(err, &de) {
		msg = de.Message
	} else if errors.Is(err, ErrCallNotFound) || errors.Is(err, ErrNotFound) {
		msg = err.Error()
	}
	return &ErrorBody{
		Type:        MsgTypeError,
		Code:        CodeOf(err),
		Error:       msg,
		Destination: destination,
		Timestamp:   ts,
	}
}
