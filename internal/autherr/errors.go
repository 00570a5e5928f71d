// Package autherr defines the error taxonomy shared by the authorization
// flow, the approval gate and the brokerage adapter.
//
// Every error that can reach an HTTP response carries a Kind and the status
// code the handlers use when rendering it. Read paths (cookie checks, token
// loads) degrade to safe defaults instead of producing these errors; write
// paths surface them.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of authorization failure.
type Kind string

const (
	MissingClientID       Kind = "MissingClientId"
	MissingState          Kind = "MissingState"
	InvalidState          Kind = "InvalidState"
	CookieDecode          Kind = "CookieDecode"
	InvalidCookieFormat   Kind = "InvalidCookieFormat"
	CookieSignatureFailed Kind = "CookieSignatureFailed"
	TokenExchangeFailed   Kind = "TokenExchangeFailed"
	TokenRefreshFailed    Kind = "TokenRefreshFailed"
	NoUpstreamIdentity    Kind = "NoUpstreamIdentity"
	APIResponseFailed     Kind = "ApiResponseFailed"
	ConfigurationMissing  Kind = "ConfigurationMissing"
	NotAuthenticated      Kind = "NotAuthenticated"
	MethodNotAllowed      Kind = "MethodNotAllowed"
	InvalidGrant          Kind = "InvalidGrant"
	InvalidRequest        Kind = "InvalidRequest"
	UnknownClient         Kind = "UnknownClient"
	InvalidRedirectURI    Kind = "InvalidRedirectUri"
	InvalidClientMetadata Kind = "InvalidClientMetadata"
)

// Status returns the HTTP status code associated with the kind.
func (k Kind) Status() int {
	switch k {
	case MissingClientID, MissingState, InvalidState, CookieDecode,
		InvalidCookieFormat, CookieSignatureFailed, InvalidGrant, InvalidRequest,
		UnknownClient, InvalidRedirectURI, InvalidClientMetadata:
		return http.StatusBadRequest
	case NotAuthenticated:
		return http.StatusUnauthorized
	case MethodNotAllowed:
		return http.StatusMethodNotAllowed
	case APIResponseFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified authorization error.
//
// Message is safe to show to an end user; it must never contain a token or
// secret. Err is the underlying cause and is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status code for the error.
func (e *Error) Status() int {
	return e.Kind.Status()
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusOf returns the HTTP status for err. Unclassified errors map to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status()
	}
	return http.StatusInternalServerError
}

// MessageOf returns the user-safe message for err. Unclassified errors get a
// generic message so their text never reaches a response.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
