package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth2-engine/instrumentation"
	"github.com/giantswarm/oauth2-engine/internal/util"
	"github.com/giantswarm/oauth2-engine/storage"
)

// DefaultTokenKey is the parameter an access token is read from outside the
// Authorization header
const DefaultTokenKey = "access_token"

// Results recorded for access token validations
const (
	validationValid   = "valid"
	validationInvalid = "invalid"
	validationMissing = "missing"
)

// ResourceGuard validates access tokens presented to a resource server.
// A guard holds no per-request state and can be shared between goroutines.
type ResourceGuard struct {
	sessions storage.SessionStore

	// TokenKey names the query, body or header parameter the token is read from when
	// it is not sent as a Bearer Authorization header. Default: "access_token"
	TokenKey string

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation

	tracer trace.Tracer
}

// NewResourceGuard creates a guard backed by sessions
func NewResourceGuard(sessions storage.SessionStore, logger *slog.Logger, inst *instrumentation.Instrumentation) *ResourceGuard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &ResourceGuard{
		sessions:        sessions,
		TokenKey:        DefaultTokenKey,
		Logger:          logger,
		Instrumentation: inst,
	}
	if inst != nil {
		g.tracer = inst.Tracer("resource")
	} else {
		g.tracer = tracenoop.NewTracerProvider().Tracer("")
	}
	return g
}

// ResourceGuard returns a guard sharing the server's session store, logger and
// instrumentation
func (s *Server) ResourceGuard() *ResourceGuard {
	return NewResourceGuard(s.sessionStore, s.Logger, s.Instrumentation)
}

// Validate resolves the access token presented with req.
//
// The token is taken from an "Authorization: Bearer" header. Without that header,
// and unless headersOnly is set, it is read from TokenKey: the query string for
// GET, the body for POST and a header otherwise. A missing token fails with
// missing_access_token; unknown and expired tokens both fail with
// invalid_access_token.
func (g *ResourceGuard) Validate(ctx context.Context, req Request, headersOnly bool) (*TokenInfo, error) {
	ctx, span := g.tracer.Start(ctx, "resource.Validate")
	defer span.End()

	token := g.extractToken(req, headersOnly)
	if token == "" {
		g.record(ctx, validationMissing)
		err := NewError(ErrorCodeMissingAccessToken)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	owner, err := g.sessions.ValidateAccessToken(ctx, token)
	if errors.Is(err, storage.ErrAccessTokenNotFound) || (err == nil && owner == nil) {
		g.Logger.Debug("Rejected access token", "token_prefix", util.SafeTruncate(token, 8))
		g.record(ctx, validationInvalid)
		oerr := NewError(ErrorCodeInvalidAccessToken)
		instrumentation.RecordError(span, oerr)
		return nil, oerr
	}
	if err != nil {
		g.Logger.Error("Storage operation failed", "operation", "ValidateAccessToken", "error", err)
		oerr := ServerError(fmt.Errorf("ValidateAccessToken: %w", err))
		instrumentation.RecordError(span, oerr)
		return nil, oerr
	}

	scopes, err := g.sessions.GetScopes(ctx, token)
	if err != nil {
		g.Logger.Error("Storage operation failed", "operation", "GetScopes", "error", err)
		oerr := ServerError(fmt.Errorf("GetScopes: %w", err))
		instrumentation.RecordError(span, oerr)
		return nil, oerr
	}

	g.record(ctx, validationValid)
	instrumentation.AddTokenOwnerAttributes(span, owner.ClientID, string(owner.OwnerType), owner.OwnerID)
	instrumentation.SetSpanSuccess(span)

	return &TokenInfo{
		AccessToken: token,
		SessionID:   owner.SessionID,
		ClientID:    owner.ClientID,
		OwnerType:   owner.OwnerType,
		OwnerID:     owner.OwnerID,
		Scopes:      scopes,
	}, nil
}

func (g *ResourceGuard) record(ctx context.Context, result string) {
	if g.Instrumentation != nil {
		g.Instrumentation.Metrics().RecordTokenValidation(ctx, result)
	}
}

func (g *ResourceGuard) extractToken(req Request, headersOnly bool) string {
	if req == nil {
		return ""
	}

	if header := req.Header("Authorization"); header != "" {
		// Some clients resend the header, which arrives comma-joined:
		// "Bearer XXX, Bearer XXX". Only the first value counts.
		if i := strings.IndexByte(header, ','); i >= 0 {
			header = header[:i]
		}
		return bearerToken(header)
	}

	if headersOnly {
		return ""
	}

	key := g.TokenKey
	if key == "" {
		key = DefaultTokenKey
	}

	switch strings.ToUpper(req.Method()) {
	case http.MethodGet:
		return strings.TrimSpace(req.Query(key))
	case http.MethodPost:
		return strings.TrimSpace(req.Form(key))
	default:
		return strings.TrimSpace(req.Header(key))
	}
}

// bearerToken returns the credentials of a Bearer Authorization header value,
// or "" for other schemes.
func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
