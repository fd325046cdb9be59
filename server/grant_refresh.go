package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/giantswarm/oauth2-engine/storage"
)

// RefreshTokenGrant implements the refresh token grant (RFC 6749 section 6).
//
// Registering it also makes the authorization code and password grants issue
// refresh tokens alongside their access tokens.
type RefreshTokenGrant struct {
	grantBase

	// AccessTokenTTL overrides the server's access token lifetime, in seconds, when positive
	AccessTokenTTL int64

	// RefreshTokenTTL is the refresh token lifetime in seconds. Default: 604800 (7 days)
	RefreshTokenTTL int64

	// RotateRefreshTokens issues a new refresh token on every redemption and revokes
	// the old one. Only rotating refreshes may narrow the scope set.
	RotateRefreshTokens bool
}

// NewRefreshTokenGrant returns a refresh token grant with the default lifetime
func NewRefreshTokenGrant() *RefreshTokenGrant {
	return &RefreshTokenGrant{RefreshTokenTTL: DefaultRefreshTokenTTL}
}

func (g *RefreshTokenGrant) Identifier() string   { return GrantTypeRefreshToken }
func (g *RefreshTokenGrant) ResponseType() string { return "" }

func (g *RefreshTokenGrant) refreshTokenTTL() int64 {
	if g.RefreshTokenTTL <= 0 {
		return DefaultRefreshTokenTTL
	}
	return g.RefreshTokenTTL
}

// mint stores a new refresh token for an access token and returns it.
func (g *RefreshTokenGrant) mint(ctx context.Context, accessTokenID int64, clientID string) (string, error) {
	s, err := g.boundServer()
	if err != nil {
		return "", err
	}

	token := GenerateSecret()
	expiresAt := s.now().Add(time.Duration(g.refreshTokenTTL()) * time.Second)

	if err := s.sessionStore.AssociateRefreshToken(ctx, accessTokenID, token, expiresAt, clientID); err != nil {
		return "", s.storageFault("AssociateRefreshToken", err)
	}
	return token, nil
}

type refreshRequest struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	Scope        string
}

// CompleteFlow redeems a refresh token for a new access token on the same session.
func (g *RefreshTokenGrant) CompleteFlow(ctx context.Context, req Request, params Params) (*FlowResult, error) {
	s, err := g.boundServer()
	if err != nil {
		return nil, err
	}

	r := refreshRequest{
		ClientID:     s.Param(req, ParamClientID, LocationBody, params),
		ClientSecret: s.Param(req, ParamClientSecret, LocationBody, params),
		RefreshToken: s.Param(req, ParamRefreshToken, LocationBody, params),
		Scope:        s.Param(req, ParamScope, LocationBody, params),
	}
	if err := requireParams(
		field(ParamClientID, r.ClientID),
		field(ParamClientSecret, r.ClientSecret),
		field(ParamRefreshToken, r.RefreshToken),
	); err != nil {
		return nil, err
	}

	if _, err := s.getClient(ctx, req, g.Identifier(), r.ClientID, r.ClientSecret, ""); err != nil {
		return nil, err
	}

	accessTokenID, err := s.sessionStore.ValidateRefreshToken(ctx, r.RefreshToken, r.ClientID)
	if errors.Is(err, storage.ErrRefreshTokenNotFound) || (err == nil && accessTokenID == 0) {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", r.ClientID, "", ErrorCodeInvalidRefresh)
		}
		return nil, NewError(ErrorCodeInvalidRefresh)
	}
	if err != nil {
		return nil, s.storageFault("ValidateRefreshToken", err)
	}

	previous, err := s.sessionStore.GetAccessToken(ctx, accessTokenID)
	if errors.Is(err, storage.ErrAccessTokenNotFound) || (err == nil && previous == nil) {
		// the session behind the refresh token is gone
		return nil, NewError(ErrorCodeInvalidRefresh)
	}
	if err != nil {
		return nil, s.storageFault("GetAccessToken", err)
	}

	scopes, err := g.narrowScopes(s, r, previous.Scopes)
	if err != nil {
		return nil, err
	}

	if g.RotateRefreshTokens {
		// Deleting first means only one concurrent redemption can win.
		err := s.sessionStore.RemoveRefreshToken(ctx, r.RefreshToken)
		if errors.Is(err, storage.ErrRefreshTokenNotFound) {
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure("", r.ClientID, "", ErrorCodeInvalidRefresh)
			}
			return nil, NewError(ErrorCodeInvalidRefresh)
		}
		if err != nil {
			return nil, s.storageFault("RemoveRefreshToken", err)
		}
		if s.Auditor != nil {
			s.Auditor.LogTokenRevoked("", r.ClientID, "", ParamRefreshToken)
		}
	}

	result, tokenID, err := s.issueAccessToken(ctx, previous.SessionID, scopeIDs(scopes), g.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	result.Scopes = scopes

	if g.RotateRefreshTokens {
		result.RefreshToken, err = g.mint(ctx, tokenID, r.ClientID)
		if err != nil {
			return nil, err
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed("", r.ClientID, "", g.RotateRefreshTokens)
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenRefreshed(ctx, g.RotateRefreshTokens)
	}
	return result, nil
}

// narrowScopes returns the scopes for the new access token. Without rotation the
// original scopes are always kept. With rotation a requested scope list must be a
// subset of the original one.
func (g *RefreshTokenGrant) narrowScopes(s *Server, r refreshRequest, original []*storage.Scope) ([]*storage.Scope, error) {
	requested := s.splitScopes(r.Scope)
	if len(requested) == 0 {
		return original, nil
	}

	if !g.RotateRefreshTokens {
		s.Logger.Debug("Ignoring scope parameter on non-rotating refresh",
			"client_id", r.ClientID,
			"requested", strings.Join(requested, " "))
		return original, nil
	}

	granted := make(map[string]*storage.Scope, len(original))
	for _, scope := range original {
		granted[scope.Scope] = scope
	}

	narrowed := make([]*storage.Scope, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, name := range requested {
		scope, ok := granted[name]
		if !ok {
			if s.Auditor != nil {
				s.Auditor.LogScopeEscalationAttempt(r.ClientID, name)
			}
			return nil, NewError(ErrorCodeInvalidRequest, ParamScope)
		}
		if !seen[name] {
			seen[name] = true
			narrowed = append(narrowed, scope)
		}
	}
	return narrowed, nil
}
