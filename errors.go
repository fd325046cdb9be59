package oauth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/giantswarm/oauth2-engine/security"
	"github.com/giantswarm/oauth2-engine/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeTemporarilyUnavailable  = server.ErrorCodeTemporarilyUnavailable
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidGrantCallback    = server.ErrorCodeInvalidGrantCallback
	ErrorCodeInvalidCredentials      = server.ErrorCodeInvalidCredentials
	ErrorCodeInvalidRefresh          = server.ErrorCodeInvalidRefresh
	ErrorCodeInvalidAccessToken      = server.ErrorCodeInvalidAccessToken
	ErrorCodeMissingAccessToken      = server.ErrorCodeMissingAccessToken

	// HTTP layer codes, not part of the engine catalog
	ErrorCodeInsufficientScope = "insufficient_scope"
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
)

// OAuthError is the structured failure returned by the engine
type OAuthError = server.Error

// ErrorResponse is the JSON body of an error response (RFC 6749 section 5.2)
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeOAuthError writes err with its catalog status and the headers it implies.
// Errors that are not *OAuthError are reported as server_error.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) int {
	var oerr *OAuthError
	if !errors.As(err, &oerr) {
		oerr = server.ServerError(err)
	}

	for k, values := range oerr.Headers() {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	h.writeError(w, oerr.Code, oerr.Description, oerr.Status)
	return oerr.Status
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.config.EnableHSTS)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeUnauthorizedError writes a 401 with a Bearer challenge (RFC 6750 section 3)
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, err error) {
	code := server.ErrorCode(err)
	if code == "" {
		code = ErrorCodeServerError
	}
	if code == ErrorCodeServerError {
		h.writeOAuthError(w, err)
		return
	}

	challenge := tokenTypeBearer
	if code == ErrorCodeInvalidAccessToken {
		challenge += ` error="invalid_token"`
	}
	w.Header().Set("WWW-Authenticate", challenge)

	var oerr *OAuthError
	errors.As(err, &oerr)
	h.writeError(w, oerr.Code, oerr.Description, http.StatusUnauthorized)
}
