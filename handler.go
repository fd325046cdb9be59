// Package oauth exposes the grant engine over net/http: a token endpoint, server
// metadata and middleware that protects resources with issued access tokens.
package oauth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth2-engine/instrumentation"
	"github.com/giantswarm/oauth2-engine/security"
	"github.com/giantswarm/oauth2-engine/server"
)

const tokenTypeBearer = server.TokenTypeBearer

// Handler is a thin HTTP adapter for the authorization server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server *server.Server
	guard  *server.ResourceGuard
	config *Config
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, config *Config) *Handler {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = srv.Logger
	}

	h := &Handler{
		server: srv,
		guard:  srv.ResourceGuard(),
		config: config,
		logger: logger,
	}

	// Initialize tracer if instrumentation is enabled
	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// ResourceGuard returns the guard used by ValidateToken
func (h *Handler) ResourceGuard() *server.ResourceGuard {
	return h.guard
}

// ServeToken handles token requests (RFC 6749 section 3.2) for every registered grant
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("token", r.Method, http.StatusMethodNotAllowed, startTime)
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.ClientIP(r, h.config.TrustedProxyCount)
	if h.server.Instrumentation != nil && h.server.Instrumentation.ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(span, clientIP)
	}

	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("token", r.Method, http.StatusTooManyRequests, startTime)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	req, err := NewHTTPRequest(r)
	if err != nil {
		h.logger.Debug("Rejected unparsable token request",
			"ip", clientIP,
			"request_id", security.GetRequestID(ctx),
			"error", err)
		status := h.writeOAuthError(w, server.NewError(ErrorCodeInvalidRequest, server.ParamGrantType))
		h.recordHTTPMetrics("token", r.Method, status, startTime)
		return
	}

	result, err := h.server.IssueAccessToken(ctx, req, nil)
	if err != nil {
		instrumentation.RecordError(span, err)
		status := h.writeOAuthError(w, err)
		h.recordHTTPMetrics("token", r.Method, status, startTime)
		return
	}

	h.writeTokenResponse(w, result)
	h.recordHTTPMetrics("token", r.Method, http.StatusOK, startTime)
	instrumentation.AddHTTPAttributes(span, r.Method, "token", http.StatusOK)
	instrumentation.SetSpanSuccess(span)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, result *server.FlowResult) {
	security.SetSecurityHeaders(w, h.config.EnableHSTS)
	security.SetTokenResponseHeaders(w)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

// ServeMetadata serves Authorization Server Metadata (RFC 8414) built from the
// registered grants
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := strings.TrimSuffix(h.config.Issuer, "/")
	metadata := AuthorizationServerMetadata{
		Issuer:                            h.config.Issuer,
		TokenEndpoint:                     issuer + h.config.tokenEndpoint(),
		ScopesSupported:                   h.config.ScopesSupported,
		ResponseTypesSupported:            h.server.ResponseTypes(),
		GrantTypesSupported:               h.server.GrantTypes(),
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
	}
	if h.config.AuthorizationEndpoint != "" {
		metadata.AuthorizationEndpoint = issuer + h.config.AuthorizationEndpoint
	}
	if metadata.ResponseTypesSupported == nil {
		metadata.ResponseTypesSupported = []string{}
	}

	security.SetSecurityHeaders(w, h.config.EnableHSTS)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ValidateToken is middleware that validates access tokens with the resource guard
// and stores the resolved *TokenInfo in the request context
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := security.ClientIP(r, h.config.TrustedProxyCount)

		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		if err := r.ParseForm(); err != nil {
			h.writeOAuthError(w, server.NewError(ErrorCodeInvalidRequest, server.DefaultTokenKey))
			return
		}

		info, err := h.guard.Validate(r.Context(), &HTTPRequest{r: r}, false)
		if err != nil {
			if server.ErrorCode(err) == ErrorCodeInvalidAccessToken && h.server.Auditor != nil {
				h.server.Auditor.LogInvalidAccessToken(clientIP)
			}
			h.logger.Debug("Token validation failed",
				"ip", clientIP,
				"request_id", security.GetRequestID(r.Context()),
				"error_code", server.ErrorCode(err))
			h.writeUnauthorizedError(w, err)
			return
		}

		ctx := ContextWithTokenInfo(r.Context(), info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScopes is middleware that rejects requests whose token lacks any of
// scopes with 403 insufficient_scope. It must run inside ValidateToken.
func (h *Handler) RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := TokenInfoFromContext(r.Context())
			if !ok || info == nil {
				h.writeUnauthorizedError(w, server.NewError(ErrorCodeMissingAccessToken))
				return
			}

			if !info.HasScopes(scopes...) {
				h.logger.Debug("Insufficient scope",
					"client_id", info.ClientID,
					"required", strings.Join(scopes, " "))
				w.Header().Set("WWW-Authenticate",
					tokenTypeBearer+` error="insufficient_scope", scope="`+strings.Join(scopes, " ")+`"`)
				h.writeError(w, ErrorCodeInsufficientScope,
					"The access token does not carry the scopes this resource requires.", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.config.RateLimiter == nil || h.config.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded",
		"ip", clientIP,
		"path", r.URL.Path,
		"request_id", security.GetRequestID(r.Context()))
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.server.Instrumentation.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}

// Context key for token info
type contextKey string

const tokenInfoKey contextKey = "token_info"

// TokenInfoFromContext retrieves the validated token from the request context
func TokenInfoFromContext(ctx context.Context) (*TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoKey).(*TokenInfo)
	return info, ok
}

// ContextWithTokenInfo returns a context carrying info.
//
// Only the ValidateToken middleware should set token info outside of tests.
func ContextWithTokenInfo(ctx context.Context, info *TokenInfo) context.Context {
	return context.WithValue(ctx, tokenInfoKey, info)
}

