package lenny

import (
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes from RFC 6749, plus lending-specific codes.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeRateLimited          = "rate_limited"
	ErrorCodeUnavailable          = "unavailable"
	ErrorCodeNotFound             = "not_found"
)

// Error is a typed service error carrying an OAuth-style error code, a
// human-readable description, and the HTTP status it translates to at the
// boundary. Business-rule failures are raised as *Error at the service
// layer and serialized to structured JSON by the Handler.
type Error struct {
	Code        string // machine-readable error code (e.g. "invalid_grant")
	Description string // human-readable description
	Status      int    // HTTP status code
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new typed error.
func NewError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// Constructors for the error taxonomy. Each returns a fresh instance so
// callers can attach request-specific descriptions.
var (
	// ErrInvalidRequest indicates missing or malformed parameters.
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates an unknown client or a redirect URI that
	// is not registered for it.
	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates an expired or replayed authorization code
	// or refresh token, or a PKCE verification failure.
	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates a grant type other than
	// authorization_code or refresh_token.
	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrRateLimited indicates too many OTP attempts. Kept distinct from a
	// wrong-code failure so clients can show the correct message.
	ErrRateLimited = func(desc string) *Error {
		return NewError(ErrorCodeRateLimited, desc, http.StatusTooManyRequests)
	}

	// ErrUnavailable indicates an item with no lendable copies left.
	ErrUnavailable = func(desc string) *Error {
		return NewError(ErrorCodeUnavailable, desc, http.StatusForbidden)
	}

	// ErrNotFound indicates an unknown item or a missing active loan.
	ErrNotFound = func(desc string) *Error {
		return NewError(ErrorCodeNotFound, desc, http.StatusNotFound)
	}

	// ErrServerError indicates an unexpected internal failure.
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)
