package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/giantswarm/oauth2-engine/instrumentation"
	"github.com/giantswarm/oauth2-engine/storage"
)

// AuthCodeGrant implements the authorization code grant (RFC 6749 section 4.1).
//
// The flow has an out-of-band step between request and code issuance: the host
// calls CheckAuthoriseParams, obtains the resource owner's consent, then calls
// NewAuthoriseRequest to get the code it redirects back with.
type AuthCodeGrant struct {
	grantBase

	// AccessTokenTTL overrides the server's access token lifetime, in seconds, when positive
	AccessTokenTTL int64

	// AuthCodeTTL is the authorization code lifetime in seconds. Default: 600
	AuthCodeTTL int64
}

// NewAuthCodeGrant returns an authorization code grant with default lifetimes
func NewAuthCodeGrant() *AuthCodeGrant {
	return &AuthCodeGrant{AuthCodeTTL: DefaultAuthCodeTTL}
}

func (g *AuthCodeGrant) Identifier() string   { return GrantTypeAuthorizationCode }
func (g *AuthCodeGrant) ResponseType() string { return ResponseTypeCode }

// AuthoriseParams is a validated authorize request. It is the only input
// NewAuthoriseRequest accepts.
type AuthoriseParams struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
	State        string

	Client *storage.Client
	Scopes []*storage.Scope
}

// ScopeNames returns the identifiers of the validated scopes, for consent screens
func (p *AuthoriseParams) ScopeNames() []string {
	return scopeNames(p.Scopes)
}

// CheckAuthoriseParams validates an authorize request read from the query string.
func (g *AuthCodeGrant) CheckAuthoriseParams(ctx context.Context, req Request, params Params) (*AuthoriseParams, error) {
	s, err := g.boundServer()
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "server.CheckAuthoriseParams")
	defer span.End()

	p := &AuthoriseParams{
		ClientID:     s.Param(req, ParamClientID, LocationQuery, params),
		RedirectURI:  s.Param(req, ParamRedirectURI, LocationQuery, params),
		ResponseType: s.Param(req, ParamResponseType, LocationQuery, params),
		State:        s.Param(req, ParamState, LocationQuery, params),
	}
	rawScope := s.Param(req, ParamScope, LocationQuery, params)

	if err := requireParams(
		field(ParamClientID, p.ClientID),
		field(ParamRedirectURI, p.RedirectURI),
	); err != nil {
		return nil, s.fail(ctx, span, g.Identifier(), err)
	}
	if s.Config.RequireStateParam && p.State == "" {
		return nil, s.fail(ctx, span, g.Identifier(), NewError(ErrorCodeInvalidRequest, ParamState))
	}

	instrumentation.AddOAuthFlowAttributes(span, g.Identifier(), p.ClientID, "")

	client, err := s.getClient(ctx, req, g.Identifier(), p.ClientID, "", p.RedirectURI)
	if err != nil {
		return nil, s.fail(ctx, span, g.Identifier(), err)
	}
	p.Client = client

	if p.ResponseType == "" {
		return nil, s.fail(ctx, span, g.Identifier(), NewError(ErrorCodeInvalidRequest, ParamResponseType))
	}
	if !s.supportsResponseType(p.ResponseType) {
		return nil, s.fail(ctx, span, g.Identifier(), NewError(ErrorCodeUnsupportedResponseType))
	}

	p.Scopes, err = s.resolveScopes(ctx, g.Identifier(), rawScope, p.ClientID)
	if err != nil {
		return nil, s.fail(ctx, span, g.Identifier(), err)
	}

	instrumentation.SetSpanSuccess(span)
	return p, nil
}

// NewAuthoriseRequest issues an authorization code once the resource owner has
// approved the request. Any previous session of the client and owner is replaced.
func (g *AuthCodeGrant) NewAuthoriseRequest(ctx context.Context, ownerType storage.OwnerType, ownerID string, p *AuthoriseParams) (string, error) {
	s, err := g.boundServer()
	if err != nil {
		return "", err
	}
	if p == nil || p.ClientID == "" || p.RedirectURI == "" {
		return "", ServerError(fmt.Errorf("authorise parameters have not been validated"))
	}
	if !ownerType.Valid() || ownerID == "" {
		return "", ServerError(fmt.Errorf("invalid session owner %q/%q", ownerType, ownerID))
	}

	code := GenerateSecret()

	sessionID, err := s.replaceSession(ctx, p.ClientID, ownerType, ownerID)
	if err != nil {
		return "", err
	}

	if err := s.sessionStore.AssociateRedirectURI(ctx, sessionID, p.RedirectURI); err != nil {
		return "", s.storageFault("AssociateRedirectURI", err)
	}

	ttl := g.AuthCodeTTL
	if ttl <= 0 {
		ttl = DefaultAuthCodeTTL
	}
	expiresAt := s.now().Add(time.Duration(ttl) * time.Second)

	codeID, err := s.sessionStore.AssociateAuthCode(ctx, sessionID, code, expiresAt)
	if err != nil {
		return "", s.storageFault("AssociateAuthCode", err)
	}

	for _, scope := range p.Scopes {
		if err := s.sessionStore.AssociateAuthCodeScope(ctx, codeID, scope.ID); err != nil {
			return "", s.storageFault("AssociateAuthCodeScope", err)
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogAuthorizationCodeIssued(ownerID, p.ClientID, strings.Join(p.ScopeNames(), " "))
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordAuthCodeIssued(ctx, p.ClientID)
	}

	s.Logger.Debug("Issued authorization code",
		"client_id", p.ClientID,
		"session_id", sessionID,
		"expires_in", ttl)

	return code, nil
}

type authCodeTokenRequest struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Code         string
}

// CompleteFlow exchanges an authorization code for an access token. The code is
// consumed; a second exchange of the same code fails with invalid_grant.
func (g *AuthCodeGrant) CompleteFlow(ctx context.Context, req Request, params Params) (*FlowResult, error) {
	s, err := g.boundServer()
	if err != nil {
		return nil, err
	}

	r := authCodeTokenRequest{
		ClientID:     s.Param(req, ParamClientID, LocationBody, params),
		ClientSecret: s.Param(req, ParamClientSecret, LocationBody, params),
		RedirectURI:  s.Param(req, ParamRedirectURI, LocationBody, params),
		Code:         s.Param(req, ParamCode, LocationBody, params),
	}
	if err := requireParams(
		field(ParamClientID, r.ClientID),
		field(ParamClientSecret, r.ClientSecret),
		field(ParamRedirectURI, r.RedirectURI),
		field(ParamCode, r.Code),
	); err != nil {
		return nil, err
	}

	if _, err := s.getClient(ctx, req, g.Identifier(), r.ClientID, r.ClientSecret, r.RedirectURI); err != nil {
		return nil, err
	}

	grant, err := s.sessionStore.ValidateAuthCode(ctx, r.ClientID, r.RedirectURI, r.Code)
	if errors.Is(err, storage.ErrAuthCodeNotFound) || (err == nil && grant == nil) {
		return nil, NewError(ErrorCodeInvalidGrant, ParamCode)
	}
	if err != nil {
		return nil, s.storageFault("ValidateAuthCode", err)
	}

	ids, err := s.sessionStore.GetAuthCodeScopes(ctx, grant.AuthCodeID)
	if err != nil {
		return nil, s.storageFault("GetAuthCodeScopes", err)
	}

	// Consuming the code is the serialisation point: of two concurrent exchanges
	// only one observes the delete.
	if err := s.sessionStore.RemoveAuthCode(ctx, grant.SessionID); err != nil {
		if errors.Is(err, storage.ErrAuthCodeNotFound) {
			if s.Auditor != nil {
				s.Auditor.LogAuthCodeReuse(r.ClientID)
			}
			return nil, NewError(ErrorCodeInvalidGrant, ParamCode)
		}
		return nil, s.storageFault("RemoveAuthCode", err)
	}

	result, tokenID, err := s.issueAccessToken(ctx, grant.SessionID, ids, g.AccessTokenTTL)
	if err != nil {
		return nil, err
	}

	result.Scopes, err = s.sessionStore.GetScopes(ctx, result.AccessToken)
	if err != nil {
		return nil, s.storageFault("GetScopes", err)
	}

	if err := s.attachRefreshToken(ctx, result, tokenID, r.ClientID); err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued("", r.ClientID, "", strings.Join(result.ScopeNames(), " "))
	}
	return result, nil
}
