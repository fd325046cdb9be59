package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/giantswarm/oauth2-engine/storage"
)

// ImplicitGrant implements the implicit grant (RFC 6749 section 4.2).
//
// The grant trusts its input: client, user and scopes must have been validated
// upstream (typically with AuthCodeGrant.CheckAuthoriseParams) and approved by the
// user. It never issues a refresh token.
type ImplicitGrant struct {
	grantBase

	// AccessTokenTTL overrides the server's access token lifetime, in seconds, when positive
	AccessTokenTTL int64
}

// NewImplicitGrant returns an implicit grant
func NewImplicitGrant() *ImplicitGrant {
	return &ImplicitGrant{}
}

func (g *ImplicitGrant) Identifier() string   { return GrantTypeImplicit }
func (g *ImplicitGrant) ResponseType() string { return ResponseTypeToken }

// CompleteFlow issues a token from host-supplied parameters only: client_id,
// user_id and scope are read from params, never from the transport request, so a
// client cannot choose the user it receives a token for.
func (g *ImplicitGrant) CompleteFlow(ctx context.Context, _ Request, params Params) (*FlowResult, error) {
	s, err := g.boundServer()
	if err != nil {
		return nil, err
	}

	clientID := params[ParamClientID]
	userID := params[ParamUserID]
	if err := requireParams(
		field(ParamClientID, clientID),
		field(ParamUserID, userID),
	); err != nil {
		return nil, err
	}

	scopes, err := s.resolveScopes(ctx, g.Identifier(), params[ParamScope], clientID)
	if err != nil {
		return nil, err
	}

	return g.issue(ctx, s, clientID, userID, scopes)
}

// IssueToken issues a token for a validated authorize request the user approved.
func (g *ImplicitGrant) IssueToken(ctx context.Context, userID string, p *AuthoriseParams) (*FlowResult, error) {
	s, err := g.boundServer()
	if err != nil {
		return nil, err
	}
	if p == nil || p.ClientID == "" {
		return nil, ServerError(fmt.Errorf("authorise parameters have not been validated"))
	}
	if userID == "" {
		return nil, NewError(ErrorCodeInvalidRequest, ParamUserID)
	}
	result, err := g.issue(ctx, s, p.ClientID, userID, p.Scopes)
	if err != nil {
		return nil, err
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenIssued(ctx, g.Identifier(), false)
	}
	return result, nil
}

func (g *ImplicitGrant) issue(ctx context.Context, s *Server, clientID, userID string, scopes []*storage.Scope) (*FlowResult, error) {
	sessionID, err := s.replaceSession(ctx, clientID, storage.OwnerTypeUser, userID)
	if err != nil {
		return nil, err
	}

	result, _, err := s.issueAccessToken(ctx, sessionID, scopeIDs(scopes), g.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	result.Scopes = scopes

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(userID, clientID, "", strings.Join(result.ScopeNames(), " "))
	}
	return result, nil
}
