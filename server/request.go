package server

import (
	"net/http"
	"strings"
)

// Wire-stable request parameter names (RFC 6749 section 4).
const (
	ParamGrantType    = "grant_type"
	ParamClientID     = "client_id"
	ParamClientSecret = "client_secret"
	ParamRedirectURI  = "redirect_uri"
	ParamResponseType = "response_type"
	ParamScope        = "scope"
	ParamState        = "state"
	ParamCode         = "code"
	ParamUsername     = "username"
	ParamPassword     = "password"
	ParamRefreshToken = "refresh_token"
	ParamUserID       = "user_id"
)

// Location names where a parameter is read from when it is not overridden.
type Location int

const (
	LocationQuery Location = iota
	LocationBody
	LocationHeader
	LocationCookie
)

// Request is the already-parsed transport request the engine reads parameters from.
// The root package adapts *http.Request; StaticRequest serves other transports and tests.
type Request interface {
	// Method returns the HTTP method (GET, POST, ...)
	Method() string

	// Query returns a URL query parameter
	Query(key string) string

	// Form returns a request body parameter
	Form(key string) string

	// Header returns a request header
	Header(key string) string

	// Cookie returns a cookie value
	Cookie(key string) string

	// BasicAuth returns transport-level client credentials, if any
	BasicAuth() (username, password string, ok bool)
}

// Params are explicit parameter overrides supplied by the host. A key that is
// present wins over anything in the transport request, even when its value is empty.
type Params map[string]string

// StaticRequest is an in-memory Request.
type StaticRequest struct {
	HTTPMethod   string
	QueryValues  map[string]string
	BodyValues   map[string]string
	Headers      map[string]string
	Cookies      map[string]string
	AuthUser     string
	AuthPassword string
}

var _ Request = (*StaticRequest)(nil)

// NewPostRequest returns a StaticRequest carrying body parameters.
func NewPostRequest(body map[string]string) *StaticRequest {
	return &StaticRequest{HTTPMethod: http.MethodPost, BodyValues: body}
}

// NewGetRequest returns a StaticRequest carrying query parameters.
func NewGetRequest(query map[string]string) *StaticRequest {
	return &StaticRequest{HTTPMethod: http.MethodGet, QueryValues: query}
}

func (r *StaticRequest) Method() string {
	if r.HTTPMethod == "" {
		return http.MethodGet
	}
	return r.HTTPMethod
}

func (r *StaticRequest) Query(key string) string { return r.QueryValues[key] }

func (r *StaticRequest) Form(key string) string { return r.BodyValues[key] }

func (r *StaticRequest) Header(key string) string {
	if v, ok := r.Headers[key]; ok {
		return v
	}
	// header names are case-insensitive
	for k, v := range r.Headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func (r *StaticRequest) Cookie(key string) string { return r.Cookies[key] }

func (r *StaticRequest) BasicAuth() (string, string, bool) {
	if r.AuthUser == "" && r.AuthPassword == "" {
		return "", "", false
	}
	return r.AuthUser, r.AuthPassword, true
}

// Param resolves a parameter value by priority:
//  1. an explicit override in params (key present)
//  2. transport-level Basic credentials, for exactly client_id and client_secret
//  3. the given location of the request
//
// Grants use this so they stay agnostic of how the client authenticated.
func (s *Server) Param(req Request, name string, loc Location, params Params) string {
	if v, ok := params[name]; ok {
		return v
	}

	if req == nil {
		return ""
	}

	if name == ParamClientID || name == ParamClientSecret {
		if user, pass, ok := req.BasicAuth(); ok {
			if name == ParamClientID && user != "" {
				return user
			}
			if name == ParamClientSecret && pass != "" {
				return pass
			}
		}
	}

	switch loc {
	case LocationQuery:
		return req.Query(name)
	case LocationBody:
		return req.Form(name)
	case LocationHeader:
		return req.Header(name)
	case LocationCookie:
		return req.Cookie(name)
	default:
		return ""
	}
}

// authScheme reports which Authorization scheme the client used, if any.
func authScheme(req Request) string {
	if req == nil {
		return ""
	}
	if _, _, ok := req.BasicAuth(); ok {
		return "Basic"
	}
	header := req.Header("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer"):
		return "Bearer"
	case strings.HasPrefix(header, "Basic"):
		return "Basic"
	default:
		return ""
	}
}
