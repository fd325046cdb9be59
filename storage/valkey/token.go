package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth2-engine/internal/util"
	"github.com/giantswarm/oauth2-engine/security"
	"github.com/giantswarm/oauth2-engine/storage"
)

// tokenIDLogLength is the number of characters of a token hash included in logs
const tokenIDLogLength = 8

// ============================================================
// SessionStore Implementation: access and refresh tokens
// ============================================================

// AssociateAccessToken stores an access token for a session
func (s *Store) AssociateAccessToken(ctx context.Context, sessionID int64, token string, expiresAt time.Time) (id int64, err error) {
	ctx, done := s.track(ctx, "associate_access_token")
	defer func() { done(err) }()

	if err := validateToken(token); err != nil {
		return 0, err
	}

	hash := storage.HashToken(token)
	id, err = s.evalInt(ctx, luaAssociateAccessToken, nil,
		s.prefix, formatID(sessionID), hash, formatExpiry(expiresAt), expireAtMillis(expiresAt))
	if err != nil {
		return 0, fmt.Errorf("failed to associate access token: %w", err)
	}
	switch id {
	case -1:
		return 0, fmt.Errorf("%w: %d", storage.ErrSessionNotFound, sessionID)
	case -2:
		return 0, fmt.Errorf("access token already exists")
	}

	s.logger.Debug("Stored access token",
		"session_id", sessionID,
		"token_hash_prefix", util.SafeTruncate(hash, tokenIDLogLength))
	return id, nil
}

// AssociateRefreshToken stores a refresh token pointing at an access token
func (s *Store) AssociateRefreshToken(ctx context.Context, accessTokenID int64, token string, expiresAt time.Time, clientID string) (err error) {
	ctx, done := s.track(ctx, "associate_refresh_token")
	defer func() { done(err) }()

	if err := validateToken(token); err != nil {
		return err
	}

	res, err := s.evalInt(ctx, luaAssociateRefreshToken, nil,
		s.prefix, formatID(accessTokenID), storage.HashToken(token), clientID,
		formatExpiry(expiresAt), expireAtMillis(expiresAt))
	if err != nil {
		return fmt.Errorf("failed to associate refresh token: %w", err)
	}
	if res < 0 {
		return fmt.Errorf("%w: %d", storage.ErrAccessTokenNotFound, accessTokenID)
	}
	return nil
}

// ValidateAccessToken returns the session owning an unexpired access token
func (s *Store) ValidateAccessToken(ctx context.Context, token string) (owner *storage.TokenOwner, err error) {
	ctx, done := s.track(ctx, "validate_access_token")
	defer func() { done(err) }()

	if err := validateToken(token); err != nil {
		return nil, storage.ErrAccessTokenNotFound
	}

	id, ok, err := s.getID(ctx, s.tokenKey(storage.HashToken(token)))
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	if !ok {
		return nil, storage.ErrAccessTokenNotFound
	}

	rec, err := s.hgetall(ctx, s.tokenRecKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	if rec == nil {
		return nil, storage.ErrAccessTokenNotFound
	}
	if security.IsExpired(parseExpiry(rec["expires_at"]), s.clock()) {
		return nil, fmt.Errorf("%w: expired", storage.ErrAccessTokenNotFound)
	}

	sessionID, err := parseID(rec["session_id"])
	if err != nil {
		return nil, err
	}
	sess, err := s.hgetall(ctx, s.sessionRecKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if sess == nil {
		return nil, storage.ErrAccessTokenNotFound
	}

	return &storage.TokenOwner{
		SessionID: sessionID,
		ClientID:  sess["client_id"],
		OwnerType: storage.OwnerType(sess["owner_type"]),
		OwnerID:   sess["owner_id"],
	}, nil
}

// RemoveRefreshToken deletes a refresh token, reporting ErrRefreshTokenNotFound
// when it was already gone
func (s *Store) RemoveRefreshToken(ctx context.Context, token string) (err error) {
	ctx, done := s.track(ctx, "remove_refresh_token")
	defer func() { done(err) }()

	if err := validateToken(token); err != nil {
		return storage.ErrRefreshTokenNotFound
	}

	removed, err := s.evalInt(ctx, luaRemoveRefreshToken, nil, s.prefix, storage.HashToken(token))
	if err != nil {
		return fmt.Errorf("failed to remove refresh token: %w", err)
	}
	if removed == 0 {
		return storage.ErrRefreshTokenNotFound
	}
	return nil
}

// ValidateRefreshToken returns the access token id of an unexpired refresh token issued to clientID
func (s *Store) ValidateRefreshToken(ctx context.Context, token, clientID string) (id int64, err error) {
	ctx, done := s.track(ctx, "validate_refresh_token")
	defer func() { done(err) }()

	if err := validateToken(token); err != nil {
		return 0, storage.ErrRefreshTokenNotFound
	}

	rec, err := s.hgetall(ctx, s.refreshKey(storage.HashToken(token)))
	if err != nil {
		return 0, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if rec == nil || rec["client_id"] != clientID {
		return 0, storage.ErrRefreshTokenNotFound
	}
	if security.IsExpired(parseExpiry(rec["expires_at"]), s.clock()) {
		return 0, fmt.Errorf("%w: expired", storage.ErrRefreshTokenNotFound)
	}
	return parseID(rec["access_token_id"])
}

// GetAccessToken loads an access token by id with its scopes, expired or not
func (s *Store) GetAccessToken(ctx context.Context, id int64) (token *storage.AccessToken, err error) {
	ctx, done := s.track(ctx, "get_access_token")
	defer func() { done(err) }()

	rec, err := s.hgetall(ctx, s.tokenRecKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %d", storage.ErrAccessTokenNotFound, id)
	}
	sessionID, err := parseID(rec["session_id"])
	if err != nil {
		return nil, err
	}

	ids, err := s.scopeIDs(ctx, s.tokenScopesKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get token scopes: %w", err)
	}
	scopes, err := s.loadScopes(ctx, ids)
	if err != nil {
		return nil, err
	}

	return &storage.AccessToken{
		ID:        id,
		SessionID: sessionID,
		TokenHash: rec["hash"],
		ExpiresAt: parseExpiry(rec["expires_at"]),
		Scopes:    scopes,
	}, nil
}

// AssociateScope binds a scope to an access token
func (s *Store) AssociateScope(ctx context.Context, accessTokenID, scopeID int64) (err error) {
	ctx, done := s.track(ctx, "associate_scope")
	defer func() { done(err) }()

	res, err := s.evalInt(ctx, luaAssociateScope,
		[]string{s.tokenRecKey(accessTokenID), s.tokenScopesKey(accessTokenID), s.scopeIDKey(scopeID)},
		formatID(scopeID))
	if err != nil {
		return fmt.Errorf("failed to associate scope: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: %d", storage.ErrAccessTokenNotFound, accessTokenID)
	case -2:
		return fmt.Errorf("%w: id %d", storage.ErrScopeNotFound, scopeID)
	}
	return nil
}

// GetScopes returns the scopes bound to an access token
func (s *Store) GetScopes(ctx context.Context, token string) (scopes []*storage.Scope, err error) {
	ctx, done := s.track(ctx, "get_scopes")
	defer func() { done(err) }()

	if err := validateToken(token); err != nil {
		return nil, storage.ErrAccessTokenNotFound
	}

	id, ok, err := s.getID(ctx, s.tokenKey(storage.HashToken(token)))
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	if !ok {
		return nil, storage.ErrAccessTokenNotFound
	}

	ids, err := s.scopeIDs(ctx, s.tokenScopesKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get token scopes: %w", err)
	}
	return s.loadScopes(ctx, ids)
}
