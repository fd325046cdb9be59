package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// OAuth 2.0 error codes (RFC 6749 section 4.1.2.1 and 5.2) plus the engine's own
// codes for credential, refresh and access token failures.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidGrantCallback    = "invalid_grant_callback"
	ErrorCodeInvalidCredentials      = "invalid_credentials"
	ErrorCodeInvalidRefresh          = "invalid_refresh"
	ErrorCodeInvalidAccessToken      = "invalid_access_token"
	ErrorCodeMissingAccessToken      = "missing_access_token"
)

type catalogEntry struct {
	message string // may contain a single %q placeholder
	status  int
}

// errorCatalog maps every error code to its message template and HTTP status.
// temporarily_unavailable is 400 rather than 503 because a 503 cannot be returned
// to the client through an HTTP redirect.
var errorCatalog = map[string]catalogEntry{
	ErrorCodeInvalidRequest: {
		message: "The request is missing a required parameter, includes an invalid parameter value, includes a parameter more than once, or is otherwise malformed. Check the %q parameter.",
		status:  http.StatusBadRequest,
	},
	ErrorCodeUnauthorizedClient: {
		message: "The client is not authorized to request an access token using this method.",
		status:  http.StatusBadRequest,
	},
	ErrorCodeAccessDenied: {
		message: "The resource owner or authorization server denied the request.",
		status:  http.StatusUnauthorized,
	},
	ErrorCodeUnsupportedResponseType: {
		message: "The authorization server does not support obtaining an access token using this method.",
		status:  http.StatusBadRequest,
	},
	ErrorCodeInvalidScope: {
		message: "The requested scope is invalid, unknown, or malformed. Check the %q scope.",
		status:  http.StatusBadRequest,
	},
	ErrorCodeServerError: {
		message: "The authorization server encountered an unexpected condition which prevented it from fulfilling the request.",
		status:  http.StatusInternalServerError,
	},
	ErrorCodeTemporarilyUnavailable: {
		message: "The authorization server is currently unable to handle the request due to a temporary overloading or maintenance of the server.",
		status:  http.StatusBadRequest,
	},
	ErrorCodeUnsupportedGrantType: {
		message: "The authorization grant type %q is not supported by the authorization server.",
		status:  http.StatusNotImplemented,
	},
	ErrorCodeInvalidClient: {
		message: "Client authentication failed.",
		status:  http.StatusBadRequest,
	},
	ErrorCodeInvalidGrant: {
		message: "The provided authorization grant is invalid, expired, revoked, does not match the redirection URI used in the authorization request, or was issued to another client. Check the %q parameter.",
		status:  http.StatusBadRequest,
	},
	ErrorCodeInvalidGrantCallback: {
		message: "The provided authorization grant has no credential verification callback set.",
		status:  http.StatusBadRequest,
	},
	ErrorCodeInvalidCredentials: {
		message: "The user credentials were incorrect.",
		status:  http.StatusBadRequest,
	},
	ErrorCodeInvalidRefresh: {
		message: "The refresh token is invalid.",
		status:  http.StatusBadRequest,
	},
	ErrorCodeInvalidAccessToken: {
		message: "The access token is invalid.",
		status:  http.StatusBadRequest,
	},
	ErrorCodeMissingAccessToken: {
		message: "The access token is missing.",
		status:  http.StatusBadRequest,
	},
}

// LookupError returns the message template and HTTP status registered for code.
func LookupError(code string) (message string, status int, ok bool) {
	entry, ok := errorCatalog[code]
	if !ok {
		return "", 0, false
	}
	return entry.message, entry.status, true
}

// Error is the structured failure every engine operation reports.
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_request")
	Description string // Human-readable description
	Status      int    // HTTP status code

	// AuthScheme is set on invalid_client errors when the client tried to
	// authenticate through the Authorization header ("Basic" or "Bearer").
	AuthScheme string

	// Err is the underlying cause, typically a storage fault
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Headers returns the extra response headers implied by the error.
//
// RFC 6749 section 5.2: if the client attempted to authenticate via the
// Authorization request header, the response must include a WWW-Authenticate
// header matching the scheme used by the client.
func (e *Error) Headers() http.Header {
	h := http.Header{}
	if e.Code == ErrorCodeInvalidClient && e.AuthScheme != "" {
		h.Set("WWW-Authenticate", fmt.Sprintf("%s realm=%q", e.AuthScheme, ""))
	}
	return h
}

// NewError builds an Error from the catalog. arg fills the template placeholder,
// if the template has one. Unknown codes are reported as server_error.
func NewError(code string, arg ...string) *Error {
	entry, ok := errorCatalog[code]
	if !ok {
		entry = errorCatalog[ErrorCodeServerError]
		code = ErrorCodeServerError
	}

	desc := entry.message
	if strings.Contains(desc, "%q") {
		v := ""
		if len(arg) > 0 {
			v = arg[0]
		}
		desc = fmt.Sprintf(desc, v)
	}

	return &Error{
		Code:        code,
		Description: desc,
		Status:      entry.status,
	}
}

// ServerError wraps an unexpected fault (usually from storage) as server_error.
func ServerError(err error) *Error {
	e := NewError(ErrorCodeServerError)
	e.Err = err
	return e
}

// ErrorCode extracts the OAuth error code from err, or "" if err is not an *Error.
func ErrorCode(err error) string {
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr.Code
	}
	return ""
}
