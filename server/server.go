package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth2-engine/instrumentation"
	"github.com/giantswarm/oauth2-engine/security"
	"github.com/giantswarm/oauth2-engine/storage"
)

// Server is the authorization server: it owns grant policy, keeps the registry of
// enabled grants and dispatches token requests to them. It holds no per-request
// state; everything mutable lives in the injected stores.
type Server struct {
	clientStore  storage.ClientStore
	scopeStore   storage.ScopeStore
	sessionStore storage.SessionStore

	Config          *Config
	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	tracer trace.Tracer
	now    func() time.Time

	mu            sync.RWMutex
	grants        map[string]Grant
	responseTypes []string
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.Logger = logger
		}
	}
}

// WithAuditor enables security audit logging
func WithAuditor(aud *security.Auditor) Option {
	return func(s *Server) {
		s.Auditor = aud
	}
}

// WithInstrumentation enables OpenTelemetry metrics and tracing
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(s *Server) {
		s.Instrumentation = inst
	}
}

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a new authorization server
func New(
	clientStore storage.ClientStore,
	scopeStore storage.ScopeStore,
	sessionStore storage.SessionStore,
	config *Config,
	opts ...Option,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if scopeStore == nil {
		return nil, fmt.Errorf("scope store is required")
	}
	if sessionStore == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if config == nil {
		config = &Config{}
	}

	s := &Server{
		clientStore:  clientStore,
		scopeStore:   scopeStore,
		sessionStore: sessionStore,
		Logger:       slog.Default(),
		now:          time.Now,
		grants:       make(map[string]Grant),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.Config = applyDefaults(config, s.Logger)

	if s.Instrumentation != nil {
		s.tracer = s.Instrumentation.Tracer("server")
	} else {
		s.tracer = tracenoop.NewTracerProvider().Tracer("")
	}

	return s, nil
}

// RegisterGrant enables a grant under its own identifier.
func (s *Server) RegisterGrant(g Grant) error {
	if g == nil {
		return fmt.Errorf("grant is required")
	}
	return s.RegisterGrantAs(g.Identifier(), g)
}

// RegisterGrantAs enables a grant under identifier, overriding the grant's own.
// Registering a second grant under the same identifier replaces the first.
// Grants should be registered before the server starts handling requests.
func (s *Server) RegisterGrantAs(identifier string, g Grant) error {
	if g == nil {
		return fmt.Errorf("grant is required")
	}
	if identifier == "" {
		return fmt.Errorf("grant identifier is required")
	}

	g.bind(s)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.grants[identifier] = g
	s.rebuildResponseTypes()

	s.Logger.Debug("Registered grant", "grant_type", identifier, "response_type", g.ResponseType())
	return nil
}

// IsGrantRegistered reports whether a grant is enabled under identifier
func (s *Server) IsGrantRegistered(identifier string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.grants[identifier]
	return ok
}

// GrantType returns the grant registered under identifier
func (s *Server) GrantType(identifier string) (Grant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[identifier]
	return g, ok
}

// GrantTypes returns the registered identifiers, sorted
func (s *Server) GrantTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedGrantIDs()
}

// ResponseTypes returns the response types advertised by the registered grants
func (s *Server) ResponseTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.responseTypes...)
}

func (s *Server) supportsResponseType(rt string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return containsString(s.responseTypes, rt)
}

// rebuildResponseTypes recomputes the advertised response types so a replaced
// grant stops advertising its own. Callers hold s.mu.
func (s *Server) rebuildResponseTypes() {
	s.responseTypes = s.responseTypes[:0]
	for _, id := range s.sortedGrantIDs() {
		if rt := s.grants[id].ResponseType(); rt != "" && !containsString(s.responseTypes, rt) {
			s.responseTypes = append(s.responseTypes, rt)
		}
	}
}

// sortedGrantIDs returns the registered identifiers in order. Callers hold s.mu.
func (s *Server) sortedGrantIDs() []string {
	ids := make([]string, 0, len(s.grants))
	for id := range s.grants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// refreshGrant returns the registered refresh token grant, if any. The grant
// registered as refresh_token wins; otherwise the first one found by identifier.
func (s *Server) refreshGrant() (*RefreshTokenGrant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rg, ok := s.grants[GrantTypeRefreshToken].(*RefreshTokenGrant); ok {
		return rg, true
	}
	for _, id := range s.sortedGrantIDs() {
		if rg, ok := s.grants[id].(*RefreshTokenGrant); ok {
			return rg, true
		}
	}
	return nil, false
}

// IssueAccessToken reads grant_type from the request and completes the flow of the
// matching grant. The grant's result is returned unchanged.
func (s *Server) IssueAccessToken(ctx context.Context, req Request, params Params) (*FlowResult, error) {
	ctx, span := s.tracer.Start(ctx, "server.IssueAccessToken")
	defer span.End()

	grantType := s.Param(req, ParamGrantType, LocationBody, params)
	if grantType == "" {
		return nil, s.fail(ctx, span, "", NewError(ErrorCodeInvalidRequest, ParamGrantType))
	}
	instrumentation.AddOAuthFlowAttributes(span, grantType, "", "")

	g, ok := s.GrantType(grantType)
	if !ok {
		s.Logger.Debug("Unsupported grant type requested", "grant_type", grantType)
		return nil, s.fail(ctx, span, grantType, NewError(ErrorCodeUnsupportedGrantType, grantType))
	}

	result, err := g.CompleteFlow(ctx, req, params)
	if err != nil {
		return nil, s.fail(ctx, span, grantType, err)
	}

	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenIssued(ctx, grantType, result.RefreshToken != "")
	}
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

// fail records a failed operation and returns err as an *Error.
func (s *Server) fail(ctx context.Context, span trace.Span, grantType string, err error) error {
	var oerr *Error
	if !errors.As(err, &oerr) {
		oerr = ServerError(err)
	}

	if oerr.Code == ErrorCodeServerError || oerr.Code == ErrorCodeInvalidGrantCallback {
		// configuration and storage defects, not client mistakes
		s.Logger.Error("Grant flow failed", "grant_type", grantType, "error", oerr)
	} else {
		s.Logger.Debug("Grant flow rejected", "grant_type", grantType, "error_code", oerr.Code)
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, oerr.Code))
	instrumentation.RecordError(span, oerr)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordGrantFailure(ctx, grantType, oerr.Code)
	}
	return oerr
}

// storageFault converts a storage error into server_error, logging the operation.
func (s *Server) storageFault(op string, err error) *Error {
	s.Logger.Error("Storage operation failed", "operation", op, "error", err)
	return ServerError(fmt.Errorf("%s: %w", op, err))
}

// invalidClient builds invalid_client, remembering the auth scheme the client used.
func (s *Server) invalidClient(req Request, clientID string) *Error {
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure("", clientID, "", ErrorCodeInvalidClient)
	}
	e := NewError(ErrorCodeInvalidClient)
	e.AuthScheme = authScheme(req)
	return e
}

// getClient looks up a client, mapping "not found" to invalid_client.
func (s *Server) getClient(ctx context.Context, req Request, grantType, clientID, clientSecret, redirectURI string) (*storage.Client, error) {
	client, err := s.clientStore.GetClient(ctx, grantType, clientID, clientSecret, redirectURI)
	if errors.Is(err, storage.ErrClientNotFound) || (err == nil && client == nil) {
		return nil, s.invalidClient(req, clientID)
	}
	if err != nil {
		return nil, s.storageFault("GetClient", err)
	}
	return client, nil
}

// accessTokenTTL returns a grant-specific override when positive, else the server default
func (s *Server) accessTokenTTL(override int64) int64 {
	if override > 0 {
		return override
	}
	return s.Config.AccessTokenTTL
}

// replaceSession removes any session of (client, owner) and creates a new one.
func (s *Server) replaceSession(ctx context.Context, clientID string, ownerType storage.OwnerType, ownerID string) (int64, error) {
	if r, ok := s.sessionStore.(storage.SessionReplacer); ok {
		id, err := r.ReplaceSession(ctx, clientID, ownerType, ownerID)
		if err != nil {
			return 0, s.storageFault("ReplaceSession", err)
		}
		return id, nil
	}

	if err := s.sessionStore.DeleteSession(ctx, clientID, ownerType, ownerID); err != nil {
		return 0, s.storageFault("DeleteSession", err)
	}
	return s.createSession(ctx, clientID, ownerType, ownerID)
}

func (s *Server) createSession(ctx context.Context, clientID string, ownerType storage.OwnerType, ownerID string) (int64, error) {
	id, err := s.sessionStore.CreateSession(ctx, clientID, ownerType, ownerID)
	if err != nil {
		return 0, s.storageFault("CreateSession", err)
	}
	return id, nil
}

// issueAccessToken mints an access token on a session and binds the scopes to it.
// The caller fills in FlowResult.Scopes.
func (s *Server) issueAccessToken(ctx context.Context, sessionID int64, scopeIDs []int64, ttlOverride int64) (*FlowResult, int64, error) {
	expiresIn := s.accessTokenTTL(ttlOverride)
	expiresAt := s.now().Add(time.Duration(expiresIn) * time.Second)
	token := GenerateSecret()

	tokenID, err := s.sessionStore.AssociateAccessToken(ctx, sessionID, token, expiresAt)
	if err != nil {
		return nil, 0, s.storageFault("AssociateAccessToken", err)
	}

	for _, id := range scopeIDs {
		if err := s.sessionStore.AssociateScope(ctx, tokenID, id); err != nil {
			return nil, 0, s.storageFault("AssociateScope", err)
		}
	}

	return &FlowResult{
		AccessToken: token,
		TokenType:   TokenTypeBearer,
		ExpiresAt:   expiresAt,
		ExpiresIn:   expiresIn,
	}, tokenID, nil
}

// attachRefreshToken adds a refresh token to result when a refresh grant is registered.
func (s *Server) attachRefreshToken(ctx context.Context, result *FlowResult, accessTokenID int64, clientID string) error {
	rg, ok := s.refreshGrant()
	if !ok {
		return nil
	}

	token, err := rg.mint(ctx, accessTokenID, clientID)
	if err != nil {
		return err
	}
	result.RefreshToken = token
	return nil
}

// GenerateSecret returns a new opaque secret for access tokens, refresh tokens and
// authorization codes: 32 bytes from crypto/rand, base64url encoded.
func GenerateSecret() string {
	return oauth2.GenerateVerifier()
}

func scopeIDs(scopes []*storage.Scope) []int64 {
	ids := make([]int64, 0, len(scopes))
	for _, s := range scopes {
		ids = append(ids, s.ID)
	}
	return ids
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
