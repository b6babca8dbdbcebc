package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a business failure so transports can map it to a status
// code without inspecting message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindProtocol
	KindNotFound
	KindConflict
	KindUnavailable
)

// AuthFailureMessage is the single external message for every credential
// failure. Unknown identifier, wrong password, inactive and locked accounts
// must be indistinguishable to callers.
const AuthFailureMessage = "invalid credentials"

// Error is the result value carried through service boundaries in place of
// panics or sentinel strings.
type Error struct {
	Kind Kind
	// Code is the OAuth2 error code for KindProtocol errors
	// (invalid_grant, invalid_client, ...), empty otherwise.
	Code string
	// Message is safe to return to callers.
	Message string
	// Fields holds per-field validation messages for KindValidation.
	Fields map[string]string
	// Err is the wrapped internal cause, never shown to callers.
	Err error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Protocol builds an OAuth2 protocol error with the given error code.
func Protocol(code, message string) *Error {
	return &Error{Kind: KindProtocol, Code: code, Message: message}
}

// Validation builds a field-level validation error.
func Validation(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: "validation failed", Fields: fields}
}

// AuthFailure returns the uniform credential failure. The cause is kept for
// logs only.
func AuthFailure(cause error) *Error {
	return &Error{Kind: KindAuthentication, Message: AuthFailureMessage, Err: cause}
}

// KindOf extracts the classification from err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// AsError unwraps err into a classified *Error when possible.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// OAuth2 error codes used by the token and authorize endpoints.
const (
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidClient        = "invalid_client"
	ErrCodeInvalidGrant         = "invalid_grant"
	ErrCodeInvalidRedirectURI   = "invalid_redirect_uri"
	ErrCodeInvalidScope         = "invalid_scope"
	ErrCodeUnsupportedGrant     = "unsupported_grant_type"
	ErrCodeUnsupportedResponse  = "unsupported_response_type"
	ErrCodeUnauthorizedClient   = "unauthorized_client"
	ErrCodeServerError          = "server_error"
	ErrCodeUnavailable          = "temporarily_unavailable"
)
