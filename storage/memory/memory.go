package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-engine/instrumentation"
	"github.com/giantswarm/oauth2-engine/security"
	"github.com/giantswarm/oauth2-engine/storage"
)

// dummyHash is compared against when a client does not exist, so that lookups of
// unknown clients cost as much as lookups with a wrong secret
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

type clientRecord struct {
	client     storage.Client
	grantTypes []string
	scopes     []string
}

type sessionKey struct {
	clientID  string
	ownerType storage.OwnerType
	ownerID   string
}

type session struct {
	id          int64
	key         sessionKey
	redirectURI string
	authCodeID  int64
	tokenIDs    []int64
}

type authCode struct {
	id        int64
	sessionID int64
	hash      string
	expiresAt time.Time
	scopeIDs  []int64
}

type accessToken struct {
	id            int64
	sessionID     int64
	hash          string
	expiresAt     time.Time
	scopeIDs      []int64
	refreshHashes []string
}

type refreshToken struct {
	accessTokenID int64
	clientID      string
	expiresAt     time.Time
}

// Stats is a snapshot of the record counts held by a Store
type Stats struct {
	Clients       int
	Scopes        int
	Sessions      int
	AuthCodes     int
	AccessTokens  int
	RefreshTokens int
}

// Store is an in-memory implementation of all storage interfaces.
// Secrets are held as storage.HashToken digests.
type Store struct {
	mu sync.RWMutex

	clients     map[string]*clientRecord
	scopes      map[string]*storage.Scope
	scopesByID  map[int64]*storage.Scope
	sessions    map[int64]*session
	sessionKeys map[sessionKey]int64

	authCodes        map[int64]*authCode
	authCodesByHash  map[string]int64
	accessTokens     map[int64]*accessToken
	accessTokensHash map[string]int64
	refreshTokens    map[string]*refreshToken

	lastID int64

	now    func() time.Time
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	cleanupInterval time.Duration
	stopOnce        sync.Once
	stopCleanup     chan struct{}
}

// Compile-time interface checks
var (
	_ storage.ClientStore     = (*Store)(nil)
	_ storage.ScopeStore      = (*Store)(nil)
	_ storage.SessionStore    = (*Store)(nil)
	_ storage.SessionReplacer = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:          make(map[string]*clientRecord),
		scopes:           make(map[string]*storage.Scope),
		scopesByID:       make(map[int64]*storage.Scope),
		sessions:         make(map[int64]*session),
		sessionKeys:      make(map[sessionKey]int64),
		authCodes:        make(map[int64]*authCode),
		authCodesByHash:  make(map[string]int64),
		accessTokens:     make(map[int64]*accessToken),
		accessTokensHash: make(map[string]int64),
		refreshTokens:    make(map[string]*refreshToken),
		now:              time.Now,
		logger:           slog.Default(),
		cleanupInterval:  cleanupInterval,
		stopCleanup:      make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for expiry checks
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation enables storage spans, operation metrics and size gauges.
// Call it before the store is shared.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return int64(s.Stats().Sessions) },
		func() int64 { return int64(s.Stats().AccessTokens) },
		func() int64 { return int64(s.Stats().RefreshTokens) },
		func() int64 { return int64(s.Stats().AuthCodes) },
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Stats returns the current record counts
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Clients:       len(s.clients),
		Scopes:        len(s.scopes),
		Sessions:      len(s.sessions),
		AuthCodes:     len(s.authCodes),
		AccessTokens:  len(s.accessTokens),
		RefreshTokens: len(s.refreshTokens),
	}
}

// must be called with mu held
func (s *Store) nextID() int64 {
	s.lastID++
	return s.lastID
}

// ============================================================
// Seeding
// ============================================================

// SaveClient registers or replaces a client. The secret is bcrypt-hashed.
func (s *Store) SaveClient(ctx context.Context, reg storage.ClientRegistration) error {
	if reg.ClientID == "" {
		return fmt.Errorf("client id cannot be empty")
	}

	rec := &clientRecord{
		client: storage.Client{
			ClientID:     reg.ClientID,
			Name:         reg.Name,
			RedirectURIs: slices.Clone(reg.RedirectURIs),
			AutoApprove:  reg.AutoApprove,
		},
		grantTypes: slices.Clone(reg.GrantTypes),
		scopes:     slices.Clone(reg.Scopes),
	}

	if reg.ClientSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(reg.ClientSecret), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash client secret: %w", err)
		}
		rec.client.ClientSecretHash = string(hash)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[reg.ClientID] = rec

	s.logger.Debug("Saved client", "client_id", reg.ClientID)
	return nil
}

// SaveScope registers a scope and returns its id. Saving an existing scope
// updates its name and description and keeps its id.
func (s *Store) SaveScope(ctx context.Context, scope, name, description string) (int64, error) {
	if scope == "" {
		return 0, fmt.Errorf("scope cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.scopes[scope]; ok {
		existing.Name = name
		existing.Description = description
		return existing.ID, nil
	}

	rec := &storage.Scope{
		ID:          s.nextID(),
		Scope:       scope,
		Name:        name,
		Description: description,
	}
	s.scopes[scope] = rec
	s.scopesByID[rec.ID] = rec
	return rec.ID, nil
}

// ============================================================
// ClientStore / ScopeStore Implementation
// ============================================================

// GetClient returns the client when the id exists, the secret (if given)
// matches, the redirect URI (if given) is registered and the grant type is
// allowed for the client.
func (s *Store) GetClient(ctx context.Context, grantType, clientID, clientSecret, redirectURI string) (client *storage.Client, err error) {
	ctx, done := s.track(ctx, "get_client")
	defer func() { done(err) }()

	s.mu.RLock()
	rec, ok := s.clients[clientID]
	s.mu.RUnlock()

	if clientSecret != "" {
		hash := dummyHash
		if ok && rec.client.ClientSecretHash != "" {
			hash = rec.client.ClientSecretHash
		}
		// always compare so unknown clients take as long as bad secrets
		cmpErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(clientSecret))
		if ok && (rec.client.ClientSecretHash == "" || cmpErr != nil) {
			ok = false
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}

	if redirectURI != "" && !slices.Contains(rec.client.RedirectURIs, redirectURI) {
		return nil, fmt.Errorf("%w: redirect uri not registered for %s", storage.ErrClientNotFound, clientID)
	}
	if grantType != "" && len(rec.grantTypes) > 0 && !slices.Contains(rec.grantTypes, grantType) {
		return nil, fmt.Errorf("%w: grant %s not allowed for %s", storage.ErrClientNotFound, grantType, clientID)
	}

	c := rec.client
	c.RedirectURIs = slices.Clone(rec.client.RedirectURIs)
	c.RedirectURI = redirectURI
	return &c, nil
}

// GetScope resolves a scope identifier. Scopes outside a client's allowed list
// are reported as not found.
func (s *Store) GetScope(ctx context.Context, grantType, scope, clientID string) (result *storage.Scope, err error) {
	ctx, done := s.track(ctx, "get_scope")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.scopes[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrScopeNotFound, scope)
	}
	if client, found := s.clients[clientID]; found && len(client.scopes) > 0 && !slices.Contains(client.scopes, scope) {
		return nil, fmt.Errorf("%w: %s not allowed for %s", storage.ErrScopeNotFound, scope, clientID)
	}

	cp := *rec
	return &cp, nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// CreateSession creates a session for a client and owner
func (s *Store) CreateSession(ctx context.Context, clientID string, ownerType storage.OwnerType, ownerID string) (id int64, err error) {
	ctx, done := s.track(ctx, "create_session")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSessionLocked(sessionKey{clientID, ownerType, ownerID}), nil
}

// DeleteSession removes the session of a client and owner with its codes and tokens
func (s *Store) DeleteSession(ctx context.Context, clientID string, ownerType storage.OwnerType, ownerID string) (err error) {
	ctx, done := s.track(ctx, "delete_session")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteSessionLocked(sessionKey{clientID, ownerType, ownerID})
	return nil
}

// ReplaceSession deletes the session of a client and owner and creates a new one
// under a single lock
func (s *Store) ReplaceSession(ctx context.Context, clientID string, ownerType storage.OwnerType, ownerID string) (id int64, err error) {
	ctx, done := s.track(ctx, "replace_session")
	defer func() { done(err) }()

	key := sessionKey{clientID, ownerType, ownerID}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteSessionLocked(key)
	return s.createSessionLocked(key), nil
}

func (s *Store) createSessionLocked(key sessionKey) int64 {
	id := s.nextID()
	s.sessions[id] = &session{id: id, key: key}
	s.sessionKeys[key] = id
	return id
}

func (s *Store) deleteSessionLocked(key sessionKey) {
	id, ok := s.sessionKeys[key]
	if !ok {
		return
	}
	sess := s.sessions[id]
	delete(s.sessionKeys, key)
	delete(s.sessions, id)
	if sess == nil {
		return
	}

	if sess.authCodeID != 0 {
		s.deleteAuthCodeLocked(sess.authCodeID)
	}
	for _, tokenID := range sess.tokenIDs {
		s.deleteAccessTokenLocked(tokenID)
	}
}

func (s *Store) deleteAuthCodeLocked(id int64) {
	if code, ok := s.authCodes[id]; ok {
		delete(s.authCodesByHash, code.hash)
		delete(s.authCodes, id)
		if sess, ok := s.sessions[code.sessionID]; ok && sess.authCodeID == id {
			sess.authCodeID = 0
		}
	}
}

func (s *Store) deleteAccessTokenLocked(id int64) {
	token, ok := s.accessTokens[id]
	if !ok {
		return
	}
	for _, h := range token.refreshHashes {
		delete(s.refreshTokens, h)
	}
	delete(s.accessTokensHash, token.hash)
	delete(s.accessTokens, id)
	if sess, ok := s.sessions[token.sessionID]; ok {
		sess.tokenIDs = slices.DeleteFunc(sess.tokenIDs, func(t int64) bool { return t == id })
	}
}

// AssociateRedirectURI binds a redirect URI to a session
func (s *Store) AssociateRedirectURI(ctx context.Context, sessionID int64, redirectURI string) (err error) {
	ctx, done := s.track(ctx, "associate_redirect_uri")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %d", storage.ErrSessionNotFound, sessionID)
	}
	sess.redirectURI = redirectURI
	return nil
}

// AssociateAccessToken stores an access token for a session
func (s *Store) AssociateAccessToken(ctx context.Context, sessionID int64, token string, expiresAt time.Time) (id int64, err error) {
	ctx, done := s.track(ctx, "associate_access_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", storage.ErrSessionNotFound, sessionID)
	}

	hash := storage.HashToken(token)
	if _, exists := s.accessTokensHash[hash]; exists {
		return 0, fmt.Errorf("access token already exists")
	}

	id = s.nextID()
	s.accessTokens[id] = &accessToken{
		id:        id,
		sessionID: sessionID,
		hash:      hash,
		expiresAt: expiresAt,
	}
	s.accessTokensHash[hash] = id
	sess.tokenIDs = append(sess.tokenIDs, id)
	return id, nil
}

// AssociateRefreshToken stores a refresh token pointing at an access token
func (s *Store) AssociateRefreshToken(ctx context.Context, accessTokenID int64, token string, expiresAt time.Time, clientID string) (err error) {
	ctx, done := s.track(ctx, "associate_refresh_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.accessTokens[accessTokenID]
	if !ok {
		return fmt.Errorf("%w: %d", storage.ErrAccessTokenNotFound, accessTokenID)
	}

	hash := storage.HashToken(token)
	s.refreshTokens[hash] = &refreshToken{
		accessTokenID: accessTokenID,
		clientID:      clientID,
		expiresAt:     expiresAt,
	}
	at.refreshHashes = append(at.refreshHashes, hash)
	return nil
}

// AssociateAuthCode stores an authorization code for a session, replacing any
// code the session already had
func (s *Store) AssociateAuthCode(ctx context.Context, sessionID int64, code string, expiresAt time.Time) (id int64, err error) {
	ctx, done := s.track(ctx, "associate_auth_code")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", storage.ErrSessionNotFound, sessionID)
	}
	if sess.authCodeID != 0 {
		s.deleteAuthCodeLocked(sess.authCodeID)
	}

	id = s.nextID()
	hash := storage.HashToken(code)
	s.authCodes[id] = &authCode{
		id:        id,
		sessionID: sessionID,
		hash:      hash,
		expiresAt: expiresAt,
	}
	s.authCodesByHash[hash] = id
	sess.authCodeID = id
	return id, nil
}

// RemoveAuthCode deletes the authorization code of a session
func (s *Store) RemoveAuthCode(ctx context.Context, sessionID int64) (err error) {
	ctx, done := s.track(ctx, "remove_auth_code")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.authCodeID == 0 {
		return fmt.Errorf("%w: session %d", storage.ErrAuthCodeNotFound, sessionID)
	}
	s.deleteAuthCodeLocked(sess.authCodeID)
	return nil
}

// ValidateAuthCode returns the session of an unexpired code issued to clientID for redirectURI
func (s *Store) ValidateAuthCode(ctx context.Context, clientID, redirectURI, code string) (grant *storage.AuthCodeGrant, err error) {
	ctx, done := s.track(ctx, "validate_auth_code")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.authCodesByHash[storage.HashToken(code)]
	if !ok {
		return nil, storage.ErrAuthCodeNotFound
	}
	rec := s.authCodes[id]
	sess, ok := s.sessions[rec.sessionID]
	if !ok || sess.key.clientID != clientID || sess.redirectURI != redirectURI {
		return nil, storage.ErrAuthCodeNotFound
	}
	if security.IsExpired(rec.expiresAt, s.now()) {
		return nil, fmt.Errorf("%w: expired", storage.ErrAuthCodeNotFound)
	}

	return &storage.AuthCodeGrant{SessionID: sess.id, AuthCodeID: id}, nil
}

// ValidateAccessToken returns the session owning an unexpired access token
func (s *Store) ValidateAccessToken(ctx context.Context, token string) (owner *storage.TokenOwner, err error) {
	ctx, done := s.track(ctx, "validate_access_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accessTokensHash[storage.HashToken(token)]
	if !ok {
		return nil, storage.ErrAccessTokenNotFound
	}
	rec := s.accessTokens[id]
	if security.IsExpired(rec.expiresAt, s.now()) {
		return nil, fmt.Errorf("%w: expired", storage.ErrAccessTokenNotFound)
	}
	sess, ok := s.sessions[rec.sessionID]
	if !ok {
		return nil, storage.ErrAccessTokenNotFound
	}

	return &storage.TokenOwner{
		SessionID: sess.id,
		ClientID:  sess.key.clientID,
		OwnerType: sess.key.ownerType,
		OwnerID:   sess.key.ownerID,
	}, nil
}

// RemoveRefreshToken deletes a refresh token, reporting ErrRefreshTokenNotFound
// when it was already gone
func (s *Store) RemoveRefreshToken(ctx context.Context, token string) (err error) {
	ctx, done := s.track(ctx, "remove_refresh_token")
	defer func() { done(err) }()

	hash := storage.HashToken(token)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refreshTokens[hash]
	if !ok {
		return storage.ErrRefreshTokenNotFound
	}
	delete(s.refreshTokens, hash)
	if at, ok := s.accessTokens[rec.accessTokenID]; ok {
		at.refreshHashes = slices.DeleteFunc(at.refreshHashes, func(h string) bool { return h == hash })
	}
	return nil
}

// ValidateRefreshToken returns the access token id of an unexpired refresh token issued to clientID
func (s *Store) ValidateRefreshToken(ctx context.Context, token, clientID string) (id int64, err error) {
	ctx, done := s.track(ctx, "validate_refresh_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.refreshTokens[storage.HashToken(token)]
	if !ok || rec.clientID != clientID {
		return 0, storage.ErrRefreshTokenNotFound
	}
	if security.IsExpired(rec.expiresAt, s.now()) {
		return 0, fmt.Errorf("%w: expired", storage.ErrRefreshTokenNotFound)
	}
	return rec.accessTokenID, nil
}

// GetAccessToken loads an access token by id with its scopes, expired or not
func (s *Store) GetAccessToken(ctx context.Context, id int64) (token *storage.AccessToken, err error) {
	ctx, done := s.track(ctx, "get_access_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.accessTokens[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", storage.ErrAccessTokenNotFound, id)
	}

	return &storage.AccessToken{
		ID:        rec.id,
		SessionID: rec.sessionID,
		TokenHash: rec.hash,
		ExpiresAt: rec.expiresAt,
		Scopes:    s.scopesLocked(rec.scopeIDs),
	}, nil
}

// AssociateAuthCodeScope binds a scope to an authorization code
func (s *Store) AssociateAuthCodeScope(ctx context.Context, authCodeID, scopeID int64) (err error) {
	ctx, done := s.track(ctx, "associate_auth_code_scope")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.authCodes[authCodeID]
	if !ok {
		return fmt.Errorf("%w: %d", storage.ErrAuthCodeNotFound, authCodeID)
	}
	if _, ok := s.scopesByID[scopeID]; !ok {
		return fmt.Errorf("%w: id %d", storage.ErrScopeNotFound, scopeID)
	}
	if !slices.Contains(code.scopeIDs, scopeID) {
		code.scopeIDs = append(code.scopeIDs, scopeID)
	}
	return nil
}

// GetAuthCodeScopes returns the scope ids bound to an authorization code
func (s *Store) GetAuthCodeScopes(ctx context.Context, authCodeID int64) (ids []int64, err error) {
	ctx, done := s.track(ctx, "get_auth_code_scopes")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.authCodes[authCodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", storage.ErrAuthCodeNotFound, authCodeID)
	}
	return slices.Clone(code.scopeIDs), nil
}

// AssociateScope binds a scope to an access token
func (s *Store) AssociateScope(ctx context.Context, accessTokenID, scopeID int64) (err error) {
	ctx, done := s.track(ctx, "associate_scope")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.accessTokens[accessTokenID]
	if !ok {
		return fmt.Errorf("%w: %d", storage.ErrAccessTokenNotFound, accessTokenID)
	}
	if _, ok := s.scopesByID[scopeID]; !ok {
		return fmt.Errorf("%w: id %d", storage.ErrScopeNotFound, scopeID)
	}
	if !slices.Contains(token.scopeIDs, scopeID) {
		token.scopeIDs = append(token.scopeIDs, scopeID)
	}
	return nil
}

// GetScopes returns the scopes bound to an access token
func (s *Store) GetScopes(ctx context.Context, token string) (scopes []*storage.Scope, err error) {
	ctx, done := s.track(ctx, "get_scopes")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accessTokensHash[storage.HashToken(token)]
	if !ok {
		return nil, storage.ErrAccessTokenNotFound
	}
	return s.scopesLocked(s.accessTokens[id].scopeIDs), nil
}

func (s *Store) scopesLocked(ids []int64) []*storage.Scope {
	scopes := make([]*storage.Scope, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.scopesByID[id]; ok {
			cp := *rec
			scopes = append(scopes, &cp)
		}
	}
	return scopes
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Cleanup removes expired codes and refresh tokens, and expired access tokens no
// live refresh token points at. It returns the number of records removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for id, code := range s.authCodes {
		if security.IsExpired(code.expiresAt, now) {
			s.deleteAuthCodeLocked(id)
			cleaned++
		}
	}

	for hash, rt := range s.refreshTokens {
		if security.IsExpired(rt.expiresAt, now) {
			delete(s.refreshTokens, hash)
			if at, ok := s.accessTokens[rt.accessTokenID]; ok {
				at.refreshHashes = slices.DeleteFunc(at.refreshHashes, func(h string) bool { return h == hash })
			}
			cleaned++
		}
	}

	// expired access tokens stay while a refresh token can still redeem them
	for id, at := range s.accessTokens {
		if security.IsExpired(at.expiresAt, now) && len(at.refreshHashes) == 0 {
			s.deleteAccessTokenLocked(id)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
	return cleaned
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// track starts a span for a storage operation and returns a func that records
// its outcome. Not-found results are not span errors.
func (s *Store) track(ctx context.Context, operation string) (context.Context, func(error)) {
	if s.tracer == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(attribute.String("operation", operation)))

	return ctx, func(err error) {
		defer span.End()

		result := "success"
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		case storage.IsNotFound(err):
			result = "not_found"
		default:
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Milliseconds()))
	}
}
