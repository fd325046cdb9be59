package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth2-engine/security"
	"github.com/giantswarm/oauth2-engine/storage"
)

// ============================================================
// SessionStore Implementation: sessions and authorization codes
// ============================================================

func (s *Store) sessionArgs(clientID string, ownerType storage.OwnerType, ownerID string) []string {
	return []string{s.prefix, clientID, string(ownerType), ownerID, sessionDigest(clientID, ownerType, ownerID)}
}

// CreateSession creates a session for a client and owner
func (s *Store) CreateSession(ctx context.Context, clientID string, ownerType storage.OwnerType, ownerID string) (id int64, err error) {
	ctx, done := s.track(ctx, "create_session")
	defer func() { done(err) }()

	if err := validateID(clientID); err != nil {
		return 0, err
	}
	if err := validateID(ownerID); err != nil {
		return 0, err
	}

	id, err = s.evalInt(ctx, luaCreateSession, nil, s.sessionArgs(clientID, ownerType, ownerID)...)
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}
	return id, nil
}

// DeleteSession removes the session of a client and owner with its codes and tokens
func (s *Store) DeleteSession(ctx context.Context, clientID string, ownerType storage.OwnerType, ownerID string) (err error) {
	ctx, done := s.track(ctx, "delete_session")
	defer func() { done(err) }()

	if _, err := s.evalInt(ctx, luaDeleteSession, nil, s.prefix, sessionDigest(clientID, ownerType, ownerID)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ReplaceSession deletes the session of a client and owner, if any, and creates
// a new one atomically
func (s *Store) ReplaceSession(ctx context.Context, clientID string, ownerType storage.OwnerType, ownerID string) (id int64, err error) {
	ctx, done := s.track(ctx, "replace_session")
	defer func() { done(err) }()

	if err := validateID(clientID); err != nil {
		return 0, err
	}
	if err := validateID(ownerID); err != nil {
		return 0, err
	}

	id, err = s.evalInt(ctx, luaReplaceSession, nil, s.sessionArgs(clientID, ownerType, ownerID)...)
	if err != nil {
		return 0, fmt.Errorf("failed to replace session: %w", err)
	}
	return id, nil
}

// AssociateRedirectURI binds a redirect URI to a session
func (s *Store) AssociateRedirectURI(ctx context.Context, sessionID int64, redirectURI string) (err error) {
	ctx, done := s.track(ctx, "associate_redirect_uri")
	defer func() { done(err) }()

	res, err := s.evalInt(ctx, luaSetRedirectURI, nil, s.prefix, formatID(sessionID), redirectURI)
	if err != nil {
		return fmt.Errorf("failed to associate redirect uri: %w", err)
	}
	if res < 0 {
		return fmt.Errorf("%w: %d", storage.ErrSessionNotFound, sessionID)
	}
	return nil
}

// AssociateAuthCode stores an authorization code for a session, replacing any
// code the session already had
func (s *Store) AssociateAuthCode(ctx context.Context, sessionID int64, code string, expiresAt time.Time) (id int64, err error) {
	ctx, done := s.track(ctx, "associate_auth_code")
	defer func() { done(err) }()

	if err := validateToken(code); err != nil {
		return 0, err
	}

	id, err = s.evalInt(ctx, luaAssociateAuthCode, nil,
		s.prefix, formatID(sessionID), storage.HashToken(code), formatExpiry(expiresAt), expireAtMillis(expiresAt))
	if err != nil {
		return 0, fmt.Errorf("failed to associate auth code: %w", err)
	}
	if id < 0 {
		return 0, fmt.Errorf("%w: %d", storage.ErrSessionNotFound, sessionID)
	}
	return id, nil
}

// RemoveAuthCode deletes the authorization code of a session
func (s *Store) RemoveAuthCode(ctx context.Context, sessionID int64) (err error) {
	ctx, done := s.track(ctx, "remove_auth_code")
	defer func() { done(err) }()

	removed, err := s.evalInt(ctx, luaRemoveAuthCode, nil, s.prefix, formatID(sessionID))
	if err != nil {
		return fmt.Errorf("failed to remove auth code: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: session %d", storage.ErrAuthCodeNotFound, sessionID)
	}
	return nil
}

// ValidateAuthCode returns the session of an unexpired code issued to clientID for redirectURI
func (s *Store) ValidateAuthCode(ctx context.Context, clientID, redirectURI, code string) (grant *storage.AuthCodeGrant, err error) {
	ctx, done := s.track(ctx, "validate_auth_code")
	defer func() { done(err) }()

	if err := validateToken(code); err != nil {
		return nil, err
	}

	id, ok, err := s.getID(ctx, s.codeKey(storage.HashToken(code)))
	if err != nil {
		return nil, fmt.Errorf("failed to get auth code: %w", err)
	}
	if !ok {
		return nil, storage.ErrAuthCodeNotFound
	}

	rec, err := s.hgetall(ctx, s.codeRecKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get auth code: %w", err)
	}
	if rec == nil {
		return nil, storage.ErrAuthCodeNotFound
	}
	sessionID, err := parseID(rec["session_id"])
	if err != nil {
		return nil, err
	}

	sess, err := s.hgetall(ctx, s.sessionRecKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if sess == nil || sess["client_id"] != clientID || sess["redirect_uri"] != redirectURI {
		return nil, storage.ErrAuthCodeNotFound
	}
	if security.IsExpired(parseExpiry(rec["expires_at"]), s.clock()) {
		return nil, fmt.Errorf("%w: expired", storage.ErrAuthCodeNotFound)
	}

	return &storage.AuthCodeGrant{SessionID: sessionID, AuthCodeID: id}, nil
}

// AssociateAuthCodeScope binds a scope to an authorization code
func (s *Store) AssociateAuthCodeScope(ctx context.Context, authCodeID, scopeID int64) (err error) {
	ctx, done := s.track(ctx, "associate_auth_code_scope")
	defer func() { done(err) }()

	res, err := s.evalInt(ctx, luaAssociateScope,
		[]string{s.codeRecKey(authCodeID), s.codeScopesKey(authCodeID), s.scopeIDKey(scopeID)},
		formatID(scopeID))
	if err != nil {
		return fmt.Errorf("failed to associate auth code scope: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: %d", storage.ErrAuthCodeNotFound, authCodeID)
	case -2:
		return fmt.Errorf("%w: id %d", storage.ErrScopeNotFound, scopeID)
	}
	return nil
}

// GetAuthCodeScopes returns the scope ids bound to an authorization code
func (s *Store) GetAuthCodeScopes(ctx context.Context, authCodeID int64) (ids []int64, err error) {
	ctx, done := s.track(ctx, "get_auth_code_scopes")
	defer func() { done(err) }()

	exists, err := s.client.Do(ctx, s.client.B().Exists().Key(s.codeRecKey(authCodeID)).Build()).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("failed to get auth code: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %d", storage.ErrAuthCodeNotFound, authCodeID)
	}
	return s.scopeIDs(ctx, s.codeScopesKey(authCodeID))
}
