package server

import (
	"context"
	"strings"

	"github.com/giantswarm/oauth2-engine/storage"
)

// ClientCredentialsGrant implements the client credentials grant (RFC 6749 section 4.4).
// The client is the resource owner. No refresh token is ever issued, even when a
// refresh token grant is registered: there is no user authorization to refresh.
type ClientCredentialsGrant struct {
	grantBase

	// AccessTokenTTL overrides the server's access token lifetime, in seconds, when positive
	AccessTokenTTL int64
}

// NewClientCredentialsGrant returns a client credentials grant
func NewClientCredentialsGrant() *ClientCredentialsGrant {
	return &ClientCredentialsGrant{}
}

func (g *ClientCredentialsGrant) Identifier() string   { return GrantTypeClientCredentials }
func (g *ClientCredentialsGrant) ResponseType() string { return "" }

type clientCredentialsRequest struct {
	ClientID     string
	ClientSecret string
	Scope        string
}

// CompleteFlow authenticates the client and issues an access token owned by it.
func (g *ClientCredentialsGrant) CompleteFlow(ctx context.Context, req Request, params Params) (*FlowResult, error) {
	s, err := g.boundServer()
	if err != nil {
		return nil, err
	}

	r := clientCredentialsRequest{
		ClientID:     s.Param(req, ParamClientID, LocationBody, params),
		ClientSecret: s.Param(req, ParamClientSecret, LocationBody, params),
		Scope:        s.Param(req, ParamScope, LocationBody, params),
	}
	if err := requireParams(
		field(ParamClientID, r.ClientID),
		field(ParamClientSecret, r.ClientSecret),
	); err != nil {
		return nil, err
	}

	if _, err := s.getClient(ctx, req, g.Identifier(), r.ClientID, r.ClientSecret, ""); err != nil {
		return nil, err
	}

	scopes, err := s.resolveScopes(ctx, g.Identifier(), r.Scope, r.ClientID)
	if err != nil {
		return nil, err
	}

	sessionID, err := s.replaceSession(ctx, r.ClientID, storage.OwnerTypeClient, r.ClientID)
	if err != nil {
		return nil, err
	}

	result, _, err := s.issueAccessToken(ctx, sessionID, scopeIDs(scopes), g.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	result.Scopes = scopes

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(r.ClientID, r.ClientID, "", strings.Join(result.ScopeNames(), " "))
	}
	return result, nil
}
