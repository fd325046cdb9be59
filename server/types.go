package server

import (
	"encoding/json"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth2-engine/storage"
)

// Grant type identifiers (RFC 6749 section 4)
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeImplicit          = "implicit"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
)

// Response types advertised by grants that take part in the authorize step
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// FlowResult is the token response envelope returned by a completed grant flow.
type FlowResult struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"-"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`

	// Scopes are the scopes bound to the access token. Not part of the wire format.
	Scopes []*storage.Scope `json:"-"`
}

// MarshalJSON encodes the result in the token endpoint's wire format, with the
// absolute expiry as a unix timestamp under "expires".
func (r FlowResult) MarshalJSON() ([]byte, error) {
	type wire FlowResult
	var expires int64
	if !r.ExpiresAt.IsZero() {
		expires = r.ExpiresAt.Unix()
	}
	return json.Marshal(struct {
		wire
		Expires int64 `json:"expires,omitempty"`
	}{
		wire:    wire(r),
		Expires: expires,
	})
}

// ScopeNames returns the scope identifiers bound to the access token
func (r *FlowResult) ScopeNames() []string {
	return scopeNames(r.Scopes)
}

// Token converts the result to an oauth2.Token, as a client library would see it.
func (r *FlowResult) Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
		Expiry:       r.ExpiresAt,
		ExpiresIn:    r.ExpiresIn,
	}
	return tok.WithExtra(map[string]interface{}{
		"expires": r.ExpiresAt.Unix(),
	})
}

// TokenInfo is what ResourceGuard resolved from a valid access token.
type TokenInfo struct {
	AccessToken string
	SessionID   int64
	ClientID    string
	OwnerType   storage.OwnerType
	OwnerID     string
	Scopes      []*storage.Scope
}

// HasScope reports whether the token carries scope
func (t *TokenInfo) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s.Scope == scope {
			return true
		}
	}
	return false
}

// HasScopes reports whether the token carries every one of scopes.
// An empty list is always satisfied.
func (t *TokenInfo) HasScopes(scopes ...string) bool {
	for _, scope := range scopes {
		if !t.HasScope(scope) {
			return false
		}
	}
	return true
}

// ScopeNames returns the scope identifiers the token carries
func (t *TokenInfo) ScopeNames() []string {
	return scopeNames(t.Scopes)
}

func scopeNames(scopes []*storage.Scope) []string {
	names := make([]string, 0, len(scopes))
	for _, s := range scopes {
		names = append(names, s.Scope)
	}
	return names
}
