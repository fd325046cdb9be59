package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations when a record does not exist
// (or exists but no longer satisfies the lookup, e.g. because it expired).
// Any other error returned by a store is treated by the engine as a server fault.
var (
	ErrClientNotFound       = errors.New("client not found")
	ErrScopeNotFound        = errors.New("scope not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrAuthCodeNotFound     = errors.New("authorization code not found")
	ErrAccessTokenNotFound  = errors.New("access token not found")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
)

// OwnerType identifies who a session belongs to.
type OwnerType string

const (
	// OwnerTypeClient is used when the client acts on its own behalf (client credentials)
	OwnerTypeClient OwnerType = "client"

	// OwnerTypeUser is used when a resource owner authorised the client
	OwnerTypeUser OwnerType = "user"
)

// Valid reports whether t is one of the known owner types.
func (t OwnerType) Valid() bool {
	return t == OwnerTypeClient || t == OwnerTypeUser
}

// Client is a registered OAuth client as seen by the engine.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash, empty for clients without a secret
	Name             string
	RedirectURIs     []string
	AutoApprove      bool

	// RedirectURI is the registered URI that matched the lookup, if one was supplied
	RedirectURI string
}

// ClientRegistration describes a client to seed into one of the bundled stores
type ClientRegistration struct {
	ClientID     string
	ClientSecret string // plain text; stored as a bcrypt hash. Empty for clients without a secret
	Name         string
	RedirectURIs []string
	AutoApprove  bool

	// GrantTypes restricts the grants the client may use. Empty allows all.
	GrantTypes []string

	// Scopes restricts the scopes the client may request. Empty allows all.
	Scopes []string
}

// Scope is a named permission unit.
type Scope struct {
	ID          int64
	Scope       string
	Name        string
	Description string
}

// AuthCodeGrant identifies a valid authorization code and its session.
type AuthCodeGrant struct {
	SessionID  int64
	AuthCodeID int64
}

// AccessToken is a stored access token record. Stores keep only the token's
// HashToken digest, never the secret itself.
type AccessToken struct {
	ID        int64
	SessionID int64
	TokenHash string
	ExpiresAt time.Time
	Scopes    []*Scope
}

// TokenOwner describes the session behind a valid access token.
type TokenOwner struct {
	SessionID int64
	ClientID  string
	OwnerType OwnerType
	OwnerID   string
}

// ClientStore looks up registered clients.
type ClientStore interface {
	// GetClient returns the client when clientID exists and, if given, clientSecret
	// matches and redirectURI is one of the client's registered redirect URIs.
	// Returns ErrClientNotFound otherwise.
	GetClient(ctx context.Context, grantType, clientID, clientSecret, redirectURI string) (*Client, error)
}

// ScopeStore resolves scope identifiers.
type ScopeStore interface {
	// GetScope returns the scope or ErrScopeNotFound.
	GetScope(ctx context.Context, grantType, scope, clientID string) (*Scope, error)
}

// SessionStore persists sessions and everything bound to them.
// All methods accept context.Context for tracing and cancellation.
type SessionStore interface {
	// CreateSession creates a session and returns its id
	CreateSession(ctx context.Context, clientID string, ownerType OwnerType, ownerID string) (int64, error)

	// DeleteSession removes the session for (client, owner) with everything bound to it.
	// Deleting a session that does not exist is not an error.
	DeleteSession(ctx context.Context, clientID string, ownerType OwnerType, ownerID string) error

	// AssociateRedirectURI binds a redirect URI to a session
	AssociateRedirectURI(ctx context.Context, sessionID int64, redirectURI string) error

	// AssociateAccessToken stores an access token for a session and returns its id
	AssociateAccessToken(ctx context.Context, sessionID int64, accessToken string, expiresAt time.Time) (int64, error)

	// AssociateRefreshToken stores a refresh token pointing at an access token
	AssociateRefreshToken(ctx context.Context, accessTokenID int64, refreshToken string, expiresAt time.Time, clientID string) error

	// AssociateAuthCode stores an authorization code for a session and returns its id
	AssociateAuthCode(ctx context.Context, sessionID int64, authCode string, expiresAt time.Time) (int64, error)

	// RemoveAuthCode deletes the authorization code of a session.
	// Returns ErrAuthCodeNotFound when nothing was deleted, which makes
	// concurrent redemption of the same code detectable.
	RemoveAuthCode(ctx context.Context, sessionID int64) error

	// ValidateAuthCode returns the code's session when the code exists, belongs to
	// clientID, was issued for redirectURI and has not expired.
	ValidateAuthCode(ctx context.Context, clientID, redirectURI, authCode string) (*AuthCodeGrant, error)

	// ValidateAccessToken returns the session owning an unexpired access token
	ValidateAccessToken(ctx context.Context, accessToken string) (*TokenOwner, error)

	// RemoveRefreshToken deletes a refresh token.
	// Returns ErrRefreshTokenNotFound when nothing was deleted, which makes
	// concurrent redemption of the same token detectable.
	RemoveRefreshToken(ctx context.Context, refreshToken string) error

	// ValidateRefreshToken returns the id of the access token an unexpired refresh
	// token issued to clientID points at.
	ValidateRefreshToken(ctx context.Context, refreshToken, clientID string) (int64, error)

	// GetAccessToken loads an access token by id, with its scopes.
	// Expired tokens are still returned; the refresh grant relies on that.
	GetAccessToken(ctx context.Context, accessTokenID int64) (*AccessToken, error)

	// AssociateAuthCodeScope binds a scope to an authorization code
	AssociateAuthCodeScope(ctx context.Context, authCodeID, scopeID int64) error

	// GetAuthCodeScopes returns the scope ids bound to an authorization code
	GetAuthCodeScopes(ctx context.Context, authCodeID int64) ([]int64, error)

	// AssociateScope binds a scope to an access token
	AssociateScope(ctx context.Context, accessTokenID, scopeID int64) error

	// GetScopes returns the scopes bound to an access token
	GetScopes(ctx context.Context, accessToken string) ([]*Scope, error)
}

// SessionReplacer is optionally implemented by session stores that can replace
// the session of a (client, owner) pair atomically. When available the engine uses
// it instead of DeleteSession followed by CreateSession, closing the window in
// which a concurrent reader observes no session at all.
type SessionReplacer interface {
	ReplaceSession(ctx context.Context, clientID string, ownerType OwnerType, ownerID string) (int64, error)
}

// IsNotFound reports whether err is one of the sentinel "does not exist" errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrScopeNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrAuthCodeNotFound) ||
		errors.Is(err, ErrAccessTokenNotFound) ||
		errors.Is(err, ErrRefreshTokenNotFound)
}
