package server

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Delimiters for MakeRedirectURI
const (
	// QueryDelimiter carries authorization codes and errors (RFC 6749 section 4.1.2)
	QueryDelimiter = "?"

	// FragmentDelimiter carries implicit grant tokens (RFC 6749 section 4.2.2)
	FragmentDelimiter = "#"
)

// MakeRedirectURI appends params to uri after delimiter, or after "&" when uri
// already contains the delimiter. Parameters are URL-encoded and appended in key
// order. An empty delimiter means QueryDelimiter.
func MakeRedirectURI(uri string, params map[string]string, delimiter string) string {
	if delimiter == "" {
		delimiter = QueryDelimiter
	}
	if len(params) == 0 {
		return uri
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(uri)

	sep := delimiter
	if strings.Contains(uri, delimiter) {
		sep = "&"
	}
	for _, k := range keys {
		b.WriteString(sep)
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
		sep = "&"
	}
	return b.String()
}

// AuthorizationRedirect returns the redirect for an issued authorization code,
// echoing state when present.
func AuthorizationRedirect(p *AuthoriseParams, code string) string {
	params := map[string]string{ParamCode: code}
	if p.State != "" {
		params[ParamState] = p.State
	}
	return MakeRedirectURI(p.RedirectURI, params, QueryDelimiter)
}

// ErrorRedirect returns the redirect reporting err to the client (RFC 6749
// section 4.1.2.1), echoing state when present.
func ErrorRedirect(redirectURI string, err *Error, state string, delimiter string) string {
	params := map[string]string{
		"error":             err.Code,
		"error_description": err.Description,
	}
	if state != "" {
		params[ParamState] = state
	}
	return MakeRedirectURI(redirectURI, params, delimiter)
}

// ImplicitRedirect returns the redirect carrying an implicit grant token in the
// URI fragment.
func ImplicitRedirect(p *AuthoriseParams, result *FlowResult) string {
	params := map[string]string{
		"access_token": result.AccessToken,
		"token_type":   result.TokenType,
	}
	if result.ExpiresIn > 0 {
		params["expires_in"] = strconv.FormatInt(result.ExpiresIn, 10)
	}
	if p.State != "" {
		params[ParamState] = p.State
	}
	return MakeRedirectURI(p.RedirectURI, params, FragmentDelimiter)
}
