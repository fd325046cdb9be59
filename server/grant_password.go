package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/giantswarm/oauth2-engine/storage"
)

// CredentialsVerifier checks a resource owner's username and password and returns
// the owner's id, or "" when the credentials are wrong. An error is reported as
// server_error.
type CredentialsVerifier func(ctx context.Context, username, password string) (string, error)

// PasswordGrant implements the resource owner password credentials grant
// (RFC 6749 section 4.3).
type PasswordGrant struct {
	grantBase

	// VerifyCredentials authenticates the resource owner. Required.
	VerifyCredentials CredentialsVerifier

	// AccessTokenTTL overrides the server's access token lifetime, in seconds, when positive
	AccessTokenTTL int64
}

// NewPasswordGrant returns a password grant using verify to authenticate users
func NewPasswordGrant(verify CredentialsVerifier) *PasswordGrant {
	return &PasswordGrant{VerifyCredentials: verify}
}

func (g *PasswordGrant) Identifier() string   { return GrantTypePassword }
func (g *PasswordGrant) ResponseType() string { return "" }

type passwordRequest struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	Scope        string
}

// CompleteFlow authenticates the client and the user, then issues an access token
// owned by the user.
func (g *PasswordGrant) CompleteFlow(ctx context.Context, req Request, params Params) (*FlowResult, error) {
	s, err := g.boundServer()
	if err != nil {
		return nil, err
	}

	r := passwordRequest{
		ClientID:     s.Param(req, ParamClientID, LocationBody, params),
		ClientSecret: s.Param(req, ParamClientSecret, LocationBody, params),
		Username:     s.Param(req, ParamUsername, LocationBody, params),
		Password:     s.Param(req, ParamPassword, LocationBody, params),
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

	if err := requireParams(
		field(ParamUsername, r.Username),
		field(ParamPassword, r.Password),
	); err != nil {
		return nil, err
	}

	if g.VerifyCredentials == nil {
		return nil, NewError(ErrorCodeInvalidGrantCallback)
	}

	userID, err := g.VerifyCredentials(ctx, r.Username, r.Password)
	if err != nil {
		return nil, ServerError(fmt.Errorf("verify credentials: %w", err))
	}
	if userID == "" {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(r.Username, r.ClientID, "", ErrorCodeInvalidCredentials)
		}
		return nil, NewError(ErrorCodeInvalidCredentials)
	}

	scopes, err := s.resolveScopes(ctx, g.Identifier(), r.Scope, r.ClientID)
	if err != nil {
		return nil, err
	}

	sessionID, err := s.replaceSession(ctx, r.ClientID, storage.OwnerTypeUser, userID)
	if err != nil {
		return nil, err
	}

	result, tokenID, err := s.issueAccessToken(ctx, sessionID, scopeIDs(scopes), g.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	result.Scopes = scopes

	if err := s.attachRefreshToken(ctx, result, tokenID, r.ClientID); err != nil {
		return nil, err
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(userID, r.ClientID, "", strings.Join(result.ScopeNames(), " "))
	}
	return result, nil
}
