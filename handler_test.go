package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/giantswarm/oauth2-engine/internal/testutil"
	"github.com/giantswarm/oauth2-engine/security"
	"github.com/giantswarm/oauth2-engine/server"
	"github.com/giantswarm/oauth2-engine/storage"
	"github.com/giantswarm/oauth2-engine/storage/memory"
)

// setupTestHandler returns a handler with the client credentials and refresh
// grants registered and a memory store holding the test client and the scopes
// "read" and "write".
func setupTestHandler(t *testing.T, config *Config) (*Handler, *memory.Store) {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	store.SetLogger(testutil.DiscardLogger())
	t.Cleanup(store.Stop)

	if err := store.SaveClient(ctx, storage.ClientRegistration{
		ClientID:     testutil.TestClientID,
		ClientSecret: testutil.TestClientSecret,
		RedirectURIs: []string{testutil.TestRedirectURI},
	}); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	for _, scope := range []string{"read", "write"} {
		if _, err := store.SaveScope(ctx, scope, scope, ""); err != nil {
			t.Fatalf("SaveScope() error = %v", err)
		}
	}

	srv, err := server.New(store, store, store, nil, server.WithLogger(testutil.DiscardLogger()))
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	for _, g := range []server.Grant{server.NewClientCredentialsGrant(), server.NewRefreshTokenGrant()} {
		if err := srv.RegisterGrant(g); err != nil {
			t.Fatalf("RegisterGrant() error = %v", err)
		}
	}

	if config == nil {
		config = &Config{}
	}
	return NewHandler(srv, config), store
}

// newTestMux mounts the token endpoint, metadata and two protected resources
func newTestMux(h *Handler) *http.ServeMux {
	whoami := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ := TokenInfoFromContext(r.Context())
		fmt.Fprintf(w, "%s/%s", info.OwnerType, info.OwnerID)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeMetadata)
	mux.Handle("/api/read", h.ValidateToken(h.RequireScopes("read")(whoami)))
	mux.Handle("/api/write", h.ValidateToken(h.RequireScopes("write")(whoami)))
	return mux
}

func postToken(h *Handler, form url.Values, user, pass string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	w := httptest.NewRecorder()
	h.ServeToken(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

func TestHandler_ClientCredentialsWithOAuth2Client(t *testing.T) {
	h, _ := setupTestHandler(t, nil)
	ts := httptest.NewServer(newTestMux(h))
	defer ts.Close()

	tests := []struct {
		name      string
		authStyle oauth2.AuthStyle
	}{
		{name: "basic auth", authStyle: oauth2.AuthStyleInHeader},
		{name: "body credentials", authStyle: oauth2.AuthStyleInParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := clientcredentials.Config{
				ClientID:     testutil.TestClientID,
				ClientSecret: testutil.TestClientSecret,
				TokenURL:     ts.URL + "/token",
				Scopes:       []string{"read"},
				AuthStyle:    tt.authStyle,
			}

			tok, err := cfg.Token(context.Background())
			if err != nil {
				t.Fatalf("Token() error = %v", err)
			}
			if tok.Type() != "Bearer" {
				t.Errorf("token type = %q, want Bearer", tok.Type())
			}
			if tok.RefreshToken != "" {
				t.Error("client credentials must not return a refresh token")
			}
			if tok.Extra("expires") == nil {
				t.Error("response should carry the absolute expiry")
			}

			client := cfg.Client(context.Background())

			resp, err := client.Get(ts.URL + "/api/read")
			if err != nil {
				t.Fatalf("GET /api/read error = %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("GET /api/read status = %d, want 200", resp.StatusCode)
			}

			resp, err = client.Get(ts.URL + "/api/write")
			if err != nil {
				t.Fatalf("GET /api/write error = %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusForbidden {
				t.Errorf("GET /api/write status = %d, want 403", resp.StatusCode)
			}
			if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, `error="insufficient_scope"`) {
				t.Errorf("WWW-Authenticate = %q, want insufficient_scope", got)
			}
		})
	}
}

func TestHandler_ServeToken_Success(t *testing.T) {
	h, _ := setupTestHandler(t, &Config{EnableHSTS: true})

	w := postToken(h, url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"read write"},
	}, testutil.TestClientID, testutil.TestClientSecret)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if got := w.Header().Get("Pragma"); got != "no-cache" {
		t.Errorf("Pragma = %q, want no-cache", got)
	}
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS header should be set when enabled")
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	for _, key := range []string{"access_token", "token_type", "expires", "expires_in"} {
		if _, ok := body[key]; !ok {
			t.Errorf("response is missing %q: %v", key, body)
		}
	}
	if body["expires_in"] != float64(server.DefaultAccessTokenTTL) {
		t.Errorf("expires_in = %v, want %d", body["expires_in"], server.DefaultAccessTokenTTL)
	}
	if expires, ok := body["expires"].(float64); ok {
		testutil.AssertTimeEqual(t, time.Unix(int64(expires), 0),
			time.Now().Add(time.Duration(server.DefaultAccessTokenTTL)*time.Second), 5*time.Second)
	}
}

func TestHandler_ServeToken_Errors(t *testing.T) {
	tests := []struct {
		name       string
		form       url.Values
		user, pass string
		wantStatus int
		wantCode   string
		wantAuth   string
	}{
		{
			name:       "missing grant type",
			form:       url.Values{},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name:       "unsupported grant type",
			form:       url.Values{"grant_type": {"password"}},
			wantStatus: http.StatusNotImplemented,
			wantCode:   ErrorCodeUnsupportedGrantType,
		},
		{
			name:       "bad basic credentials",
			form:       url.Values{"grant_type": {"client_credentials"}},
			user:       testutil.TestClientID,
			pass:       "wrong",
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidClient,
			wantAuth:   `Basic realm=""`,
		},
		{
			name: "bad body credentials",
			form: url.Values{
				"grant_type":    {"client_credentials"},
				"client_id":     {testutil.TestClientID},
				"client_secret": {"wrong"},
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidClient,
		},
		{
			name: "unknown scope",
			form: url.Values{
				"grant_type": {"client_credentials"},
				"scope":      {"admin"},
			},
			user:       testutil.TestClientID,
			pass:       testutil.TestClientSecret,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := setupTestHandler(t, nil)
			w := postToken(h, tt.form, tt.user, tt.pass)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("WWW-Authenticate"); got != tt.wantAuth {
				t.Errorf("WWW-Authenticate = %q, want %q", got, tt.wantAuth)
			}
			resp := decodeError(t, w)
			if resp.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantCode)
			}
			if resp.ErrorDescription == "" {
				t.Error("error_description should be set")
			}
		})
	}
}

func TestHandler_ServeToken_MethodNotAllowed(t *testing.T) {
	h, _ := setupTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/token?grant_type=client_credentials", nil)
	w := httptest.NewRecorder()
	h.ServeToken(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
	if got := w.Header().Get("Allow"); got != http.MethodPost {
		t.Errorf("Allow = %q, want POST", got)
	}
}

func TestHandler_ServeToken_IgnoresQueryParameters(t *testing.T) {
	h, store := setupTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/token?grant_type=client_credentials&client_id=test-client&client_secret=test-secret", nil)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeToken(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if got := decodeError(t, w).Error; got != ErrorCodeInvalidRequest {
		t.Errorf("error = %q, want %q", got, ErrorCodeInvalidRequest)
	}
	if store.Stats().Sessions != 0 {
		t.Error("no session should be created")
	}
}

func TestHandler_ServeToken_RateLimit(t *testing.T) {
	rl := security.NewRateLimiter(security.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}, testutil.DiscardLogger())
	t.Cleanup(rl.Stop)
	h, _ := setupTestHandler(t, &Config{RateLimiter: rl})

	form := url.Values{"grant_type": {"client_credentials"}}
	if w := postToken(h, form, testutil.TestClientID, testutil.TestClientSecret); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}

	w := postToken(h, form, testutil.TestClientID, testutil.TestClientSecret)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After should be set")
	}
	if got := decodeError(t, w).Error; got != ErrorCodeRateLimitExceeded {
		t.Errorf("error = %q, want %q", got, ErrorCodeRateLimitExceeded)
	}
}

func TestHandler_ValidateToken(t *testing.T) {
	h, _ := setupTestHandler(t, nil)
	mux := newTestMux(h)

	w := postToken(h, url.Values{"grant_type": {"client_credentials"}, "scope": {"read"}},
		testutil.TestClientID, testutil.TestClientSecret)
	var result struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode error = %v", err)
	}

	tests := []struct {
		name       string
		target     string
		header     string
		wantStatus int
		wantAuth   string
		wantBody   string
	}{
		{
			name:       "bearer header",
			target:     "/api/read",
			header:     "Bearer " + result.AccessToken,
			wantStatus: http.StatusOK,
			wantBody:   "client/" + testutil.TestClientID,
		},
		{
			name:       "query parameter",
			target:     "/api/read?access_token=" + url.QueryEscape(result.AccessToken),
			wantStatus: http.StatusOK,
			wantBody:   "client/" + testutil.TestClientID,
		},
		{
			name:       "missing token",
			target:     "/api/read",
			wantStatus: http.StatusUnauthorized,
			wantAuth:   "Bearer",
		},
		{
			name:       "invalid token",
			target:     "/api/read",
			header:     "Bearer nope",
			wantStatus: http.StatusUnauthorized,
			wantAuth:   `Bearer error="invalid_token"`,
		},
		{
			name:       "missing scope",
			target:     "/api/write",
			header:     "Bearer " + result.AccessToken,
			wantStatus: http.StatusForbidden,
			wantAuth:   `Bearer error="insufficient_scope", scope="write"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("WWW-Authenticate"); got != tt.wantAuth {
				t.Errorf("WWW-Authenticate = %q, want %q", got, tt.wantAuth)
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHandler_RequireScopesWithoutValidation(t *testing.T) {
	h, _ := setupTestHandler(t, nil)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler should not be called")
	})

	w := httptest.NewRecorder()
	h.RequireScopes("read")(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHandler_ServeMetadata(t *testing.T) {
	h, _ := setupTestHandler(t, &Config{
		Issuer:                "https://auth.example.com/",
		AuthorizationEndpoint: "/authorize",
		ScopesSupported:       []string{"read", "write"},
	})

	w := httptest.NewRecorder()
	h.ServeMetadata(w, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var meta AuthorizationServerMetadata
	if err := json.NewDecoder(w.Body).Decode(&meta); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if meta.TokenEndpoint != "https://auth.example.com/token" {
		t.Errorf("token_endpoint = %q", meta.TokenEndpoint)
	}
	if meta.AuthorizationEndpoint != "https://auth.example.com/authorize" {
		t.Errorf("authorization_endpoint = %q", meta.AuthorizationEndpoint)
	}
	if want := []string{"client_credentials", "refresh_token"}; !reflect.DeepEqual(meta.GrantTypesSupported, want) {
		t.Errorf("grant_types_supported = %v, want %v", meta.GrantTypesSupported, want)
	}
	if len(meta.ResponseTypesSupported) != 0 {
		t.Errorf("response_types_supported = %v, want none", meta.ResponseTypesSupported)
	}
}

func TestHTTPRequest(t *testing.T) {
	body := url.Values{"scope": {"read"}}
	req := httptest.NewRequest(http.MethodPost, "/token?state=xyz&scope=write", strings.NewReader(body.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: "sid", Value: "abc"})
	req.SetBasicAuth("id", "secret")

	r, err := NewHTTPRequest(req)
	if err != nil {
		t.Fatalf("NewHTTPRequest() error = %v", err)
	}

	if got := r.Form("scope"); got != "read" {
		t.Errorf("Form(scope) = %q, want body value", got)
	}
	if got := r.Form("state"); got != "" {
		t.Errorf("Form(state) = %q, want empty", got)
	}
	if got := r.Query("state"); got != "xyz" {
		t.Errorf("Query(state) = %q, want xyz", got)
	}
	if got := r.Cookie("sid"); got != "abc" {
		t.Errorf("Cookie(sid) = %q, want abc", got)
	}
	if got := r.Cookie("missing"); got != "" {
		t.Errorf("Cookie(missing) = %q, want empty", got)
	}
	if got := r.Header("Content-Type"); got != "application/x-www-form-urlencoded" {
		t.Errorf("Header() = %q", got)
	}
	if user, pass, ok := r.BasicAuth(); !ok || user != "id" || pass != "secret" {
		t.Errorf("BasicAuth() = %q, %q, %v", user, pass, ok)
	}
	if r.Method() != http.MethodPost {
		t.Errorf("Method() = %q, want POST", r.Method())
	}
}
