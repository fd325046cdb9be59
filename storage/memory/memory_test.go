package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/giantswarm/oauth2-engine/instrumentation"
	"github.com/giantswarm/oauth2-engine/internal/testutil"
	"github.com/giantswarm/oauth2-engine/storage"
)

var testStart = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(testStart)
	store := New()
	store.SetClock(clock.Now)
	store.SetLogger(testutil.DiscardLogger())
	t.Cleanup(store.Stop)

	err := store.SaveClient(context.Background(), storage.ClientRegistration{
		ClientID:     testutil.TestClientID,
		ClientSecret: testutil.TestClientSecret,
		Name:         testutil.TestClientName,
		RedirectURIs: []string{testutil.TestRedirectURI},
	})
	if err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	return store, clock
}

func mustScope(t *testing.T, store *Store, scope string) int64 {
	t.Helper()
	id, err := store.SaveScope(context.Background(), scope, scope, "")
	if err != nil {
		t.Fatalf("SaveScope(%q) error = %v", scope, err)
	}
	return id
}

func mustSession(t *testing.T, store *Store, ownerType storage.OwnerType, ownerID string) int64 {
	t.Helper()
	id, err := store.CreateSession(context.Background(), testutil.TestClientID, ownerType, ownerID)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return id
}

// ============================================================
// ClientStore / ScopeStore Tests
// ============================================================

func TestStore_GetClient(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		clientID    string
		secret      string
		redirectURI string
		wantErr     bool
	}{
		{name: "id only", clientID: testutil.TestClientID},
		{name: "id and secret", clientID: testutil.TestClientID, secret: testutil.TestClientSecret},
		{name: "id and redirect", clientID: testutil.TestClientID, redirectURI: testutil.TestRedirectURI},
		{name: "all three", clientID: testutil.TestClientID, secret: testutil.TestClientSecret, redirectURI: testutil.TestRedirectURI},
		{name: "unknown client", clientID: "nobody", wantErr: true},
		{name: "unknown client with secret", clientID: "nobody", secret: "x", wantErr: true},
		{name: "wrong secret", clientID: testutil.TestClientID, secret: "wrong", wantErr: true},
		{name: "unregistered redirect", clientID: testutil.TestClientID, redirectURI: "https://evil.example.com/", wantErr: true},
		{name: "redirect prefix is not a match", clientID: testutil.TestClientID, redirectURI: testutil.TestRedirectURI + "/extra", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := store.GetClient(ctx, "", tt.clientID, tt.secret, tt.redirectURI)
			if tt.wantErr {
				if !errors.Is(err, storage.ErrClientNotFound) {
					t.Errorf("GetClient() error = %v, want ErrClientNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetClient() error = %v", err)
			}
			if client.ClientID != tt.clientID {
				t.Errorf("ClientID = %q, want %q", client.ClientID, tt.clientID)
			}
			if client.Name != testutil.TestClientName {
				t.Errorf("Name = %q, want %q", client.Name, testutil.TestClientName)
			}
			if client.RedirectURI != tt.redirectURI {
				t.Errorf("RedirectURI = %q, want %q", client.RedirectURI, tt.redirectURI)
			}
			if client.ClientSecretHash == testutil.TestClientSecret {
				t.Error("secret must not be stored in plain text")
			}
		})
	}
}

func TestStore_GetClient_Restrictions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.SaveClient(ctx, storage.ClientRegistration{
		ClientID:   "public",
		GrantTypes: []string{"implicit"},
		Scopes:     []string{"basic"},
	})
	if err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	mustScope(t, store, "basic")
	mustScope(t, store, "admin")

	if _, err := store.GetClient(ctx, "implicit", "public", "", ""); err != nil {
		t.Errorf("GetClient(implicit) error = %v", err)
	}
	if _, err := store.GetClient(ctx, "password", "public", "", ""); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(password) error = %v, want ErrClientNotFound", err)
	}
	if _, err := store.GetClient(ctx, "implicit", "public", "anything", ""); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("secret against a client without one: error = %v, want ErrClientNotFound", err)
	}

	if _, err := store.GetScope(ctx, "implicit", "basic", "public"); err != nil {
		t.Errorf("GetScope(basic) error = %v", err)
	}
	if _, err := store.GetScope(ctx, "implicit", "admin", "public"); !errors.Is(err, storage.ErrScopeNotFound) {
		t.Errorf("GetScope(admin) error = %v, want ErrScopeNotFound", err)
	}
	// unrestricted clients see every scope
	if _, err := store.GetScope(ctx, "implicit", "admin", testutil.TestClientID); err != nil {
		t.Errorf("GetScope(admin) for unrestricted client error = %v", err)
	}
}

func TestStore_SaveClient_Invalid(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.SaveClient(context.Background(), storage.ClientRegistration{}); err == nil {
		t.Error("SaveClient() without id should fail")
	}
}

func TestStore_SaveScope(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.SaveScope(ctx, "basic", "Basic", "Basic access")
	if err != nil {
		t.Fatalf("SaveScope() error = %v", err)
	}
	again, err := store.SaveScope(ctx, "basic", "Basic v2", "Updated")
	if err != nil {
		t.Fatalf("SaveScope() error = %v", err)
	}
	if again != id {
		t.Errorf("re-saving a scope changed its id: %d != %d", again, id)
	}

	scope, err := store.GetScope(ctx, "", "basic", "")
	if err != nil {
		t.Fatalf("GetScope() error = %v", err)
	}
	if scope.ID != id || scope.Name != "Basic v2" || scope.Description != "Updated" {
		t.Errorf("GetScope() = %+v", scope)
	}

	if _, err := store.GetScope(ctx, "", "missing", ""); !errors.Is(err, storage.ErrScopeNotFound) {
		t.Errorf("GetScope(missing) error = %v, want ErrScopeNotFound", err)
	}
	if _, err := store.SaveScope(ctx, "", "", ""); err == nil {
		t.Error("SaveScope() with empty identifier should fail")
	}
}

// ============================================================
// Authorization Code Tests
// ============================================================

func TestStore_AuthCodeLifecycle(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	basic := mustScope(t, store, "basic")

	sessionID := mustSession(t, store, storage.OwnerTypeUser, testutil.TestUserID)
	if err := store.AssociateRedirectURI(ctx, sessionID, testutil.TestRedirectURI); err != nil {
		t.Fatalf("AssociateRedirectURI() error = %v", err)
	}
	codeID, err := store.AssociateAuthCode(ctx, sessionID, "the-code", clock.Now().Add(10*time.Minute))
	if err != nil {
		t.Fatalf("AssociateAuthCode() error = %v", err)
	}
	if err := store.AssociateAuthCodeScope(ctx, codeID, basic); err != nil {
		t.Fatalf("AssociateAuthCodeScope() error = %v", err)
	}

	grant, err := store.ValidateAuthCode(ctx, testutil.TestClientID, testutil.TestRedirectURI, "the-code")
	if err != nil {
		t.Fatalf("ValidateAuthCode() error = %v", err)
	}
	if grant.SessionID != sessionID || grant.AuthCodeID != codeID {
		t.Errorf("ValidateAuthCode() = %+v, want session %d code %d", grant, sessionID, codeID)
	}

	ids, err := store.GetAuthCodeScopes(ctx, codeID)
	if err != nil {
		t.Fatalf("GetAuthCodeScopes() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != basic {
		t.Errorf("GetAuthCodeScopes() = %v, want [%d]", ids, basic)
	}

	if err := store.RemoveAuthCode(ctx, sessionID); err != nil {
		t.Fatalf("RemoveAuthCode() error = %v", err)
	}
	if err := store.RemoveAuthCode(ctx, sessionID); !errors.Is(err, storage.ErrAuthCodeNotFound) {
		t.Errorf("second RemoveAuthCode() error = %v, want ErrAuthCodeNotFound", err)
	}
	if _, err := store.ValidateAuthCode(ctx, testutil.TestClientID, testutil.TestRedirectURI, "the-code"); !errors.Is(err, storage.ErrAuthCodeNotFound) {
		t.Errorf("ValidateAuthCode() after removal error = %v, want ErrAuthCodeNotFound", err)
	}
}

func TestStore_ValidateAuthCode_Mismatches(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	sessionID := mustSession(t, store, storage.OwnerTypeUser, testutil.TestUserID)
	if err := store.AssociateRedirectURI(ctx, sessionID, testutil.TestRedirectURI); err != nil {
		t.Fatalf("AssociateRedirectURI() error = %v", err)
	}
	if _, err := store.AssociateAuthCode(ctx, sessionID, "the-code", clock.Now().Add(time.Minute)); err != nil {
		t.Fatalf("AssociateAuthCode() error = %v", err)
	}

	tests := []struct {
		name        string
		clientID    string
		redirectURI string
		code        string
	}{
		{name: "unknown code", clientID: testutil.TestClientID, redirectURI: testutil.TestRedirectURI, code: "other"},
		{name: "other client", clientID: "other-client", redirectURI: testutil.TestRedirectURI, code: "the-code"},
		{name: "other redirect", clientID: testutil.TestClientID, redirectURI: "https://app.example.com/other", code: "the-code"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.ValidateAuthCode(ctx, tt.clientID, tt.redirectURI, tt.code)
			if !errors.Is(err, storage.ErrAuthCodeNotFound) {
				t.Errorf("ValidateAuthCode() error = %v, want ErrAuthCodeNotFound", err)
			}
		})
	}

	t.Run("expired", func(t *testing.T) {
		clock.Advance(time.Minute)
		_, err := store.ValidateAuthCode(ctx, testutil.TestClientID, testutil.TestRedirectURI, "the-code")
		if !errors.Is(err, storage.ErrAuthCodeNotFound) {
			t.Errorf("ValidateAuthCode() error = %v, want ErrAuthCodeNotFound", err)
		}
	})
}

func TestStore_AssociateAuthCode_ReplacesPrevious(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	sessionID := mustSession(t, store, storage.OwnerTypeUser, testutil.TestUserID)
	_ = store.AssociateRedirectURI(ctx, sessionID, testutil.TestRedirectURI)
	if _, err := store.AssociateAuthCode(ctx, sessionID, "first", clock.Now().Add(time.Minute)); err != nil {
		t.Fatalf("AssociateAuthCode() error = %v", err)
	}
	if _, err := store.AssociateAuthCode(ctx, sessionID, "second", clock.Now().Add(time.Minute)); err != nil {
		t.Fatalf("AssociateAuthCode() error = %v", err)
	}

	if _, err := store.ValidateAuthCode(ctx, testutil.TestClientID, testutil.TestRedirectURI, "first"); !errors.Is(err, storage.ErrAuthCodeNotFound) {
		t.Errorf("replaced code should be gone, error = %v", err)
	}
	if _, err := store.ValidateAuthCode(ctx, testutil.TestClientID, testutil.TestRedirectURI, "second"); err != nil {
		t.Errorf("new code error = %v", err)
	}
	if got := store.Stats().AuthCodes; got != 1 {
		t.Errorf("Stats().AuthCodes = %d, want 1", got)
	}
}

func TestStore_UnknownReferences(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	exp := clock.Now().Add(time.Hour)

	if err := store.AssociateRedirectURI(ctx, 999, "x"); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("AssociateRedirectURI() error = %v, want ErrSessionNotFound", err)
	}
	if _, err := store.AssociateAccessToken(ctx, 999, "t", exp); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("AssociateAccessToken() error = %v, want ErrSessionNotFound", err)
	}
	if _, err := store.AssociateAuthCode(ctx, 999, "c", exp); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("AssociateAuthCode() error = %v, want ErrSessionNotFound", err)
	}
	if err := store.AssociateRefreshToken(ctx, 999, "r", exp, testutil.TestClientID); !errors.Is(err, storage.ErrAccessTokenNotFound) {
		t.Errorf("AssociateRefreshToken() error = %v, want ErrAccessTokenNotFound", err)
	}
	if err := store.AssociateScope(ctx, 999, 1); !errors.Is(err, storage.ErrAccessTokenNotFound) {
		t.Errorf("AssociateScope() error = %v, want ErrAccessTokenNotFound", err)
	}
	if err := store.AssociateAuthCodeScope(ctx, 999, 1); !errors.Is(err, storage.ErrAuthCodeNotFound) {
		t.Errorf("AssociateAuthCodeScope() error = %v, want ErrAuthCodeNotFound", err)
	}
	if _, err := store.GetAuthCodeScopes(ctx, 999); !errors.Is(err, storage.ErrAuthCodeNotFound) {
		t.Errorf("GetAuthCodeScopes() error = %v, want ErrAuthCodeNotFound", err)
	}
	if _, err := store.GetAccessToken(ctx, 999); !errors.Is(err, storage.ErrAccessTokenNotFound) {
		t.Errorf("GetAccessToken() error = %v, want ErrAccessTokenNotFound", err)
	}
	if _, err := store.GetScopes(ctx, "nope"); !errors.Is(err, storage.ErrAccessTokenNotFound) {
		t.Errorf("GetScopes() error = %v, want ErrAccessTokenNotFound", err)
	}
	if err := store.RemoveAuthCode(ctx, 999); !errors.Is(err, storage.ErrAuthCodeNotFound) {
		t.Errorf("RemoveAuthCode() error = %v, want ErrAuthCodeNotFound", err)
	}
	if err := store.DeleteSession(ctx, "nobody", storage.OwnerTypeUser, "nobody"); err != nil {
		t.Errorf("DeleteSession() of a missing session error = %v", err)
	}
	if err := store.RemoveRefreshToken(ctx, "missing"); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("RemoveRefreshToken() error = %v, want ErrRefreshTokenNotFound", err)
	}
}

// ============================================================
// Access / Refresh Token Tests
// ============================================================

func TestStore_AccessTokenLifecycle(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	basic := mustScope(t, store, "basic")
	admin := mustScope(t, store, "admin")

	sessionID := mustSession(t, store, storage.OwnerTypeUser, testutil.TestUserID)
	expiresAt := clock.Now().Add(time.Hour)
	tokenID, err := store.AssociateAccessToken(ctx, sessionID, "access-1", expiresAt)
	if err != nil {
		t.Fatalf("AssociateAccessToken() error = %v", err)
	}
	for _, id := range []int64{basic, admin, basic} {
		if err := store.AssociateScope(ctx, tokenID, id); err != nil {
			t.Fatalf("AssociateScope() error = %v", err)
		}
	}

	owner, err := store.ValidateAccessToken(ctx, "access-1")
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	want := storage.TokenOwner{
		SessionID: sessionID,
		ClientID:  testutil.TestClientID,
		OwnerType: storage.OwnerTypeUser,
		OwnerID:   testutil.TestUserID,
	}
	if *owner != want {
		t.Errorf("ValidateAccessToken() = %+v, want %+v", *owner, want)
	}

	scopes, err := store.GetScopes(ctx, "access-1")
	if err != nil {
		t.Fatalf("GetScopes() error = %v", err)
	}
	if len(scopes) != 2 || scopes[0].Scope != "basic" || scopes[1].Scope != "admin" {
		t.Errorf("GetScopes() = %v, want [basic admin]", scopes)
	}

	record, err := store.GetAccessToken(ctx, tokenID)
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if record.SessionID != sessionID || !record.ExpiresAt.Equal(expiresAt) || len(record.Scopes) != 2 {
		t.Errorf("GetAccessToken() = %+v", record)
	}
	if record.TokenHash != storage.HashToken("access-1") {
		t.Errorf("TokenHash = %q, want the token digest", record.TokenHash)
	}

	if _, err := store.AssociateAccessToken(ctx, sessionID, "access-1", expiresAt); err == nil {
		t.Error("storing the same access token twice should fail")
	}

	clock.Advance(time.Hour)
	if _, err := store.ValidateAccessToken(ctx, "access-1"); !errors.Is(err, storage.ErrAccessTokenNotFound) {
		t.Errorf("ValidateAccessToken() after expiry error = %v, want ErrAccessTokenNotFound", err)
	}
	if _, err := store.GetAccessToken(ctx, tokenID); err != nil {
		t.Errorf("GetAccessToken() must still return expired tokens, error = %v", err)
	}
}

func TestStore_RefreshTokenLifecycle(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	sessionID := mustSession(t, store, storage.OwnerTypeUser, testutil.TestUserID)
	tokenID, err := store.AssociateAccessToken(ctx, sessionID, "access-1", clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("AssociateAccessToken() error = %v", err)
	}
	if err := store.AssociateRefreshToken(ctx, tokenID, "refresh-1", clock.Now().Add(24*time.Hour), testutil.TestClientID); err != nil {
		t.Fatalf("AssociateRefreshToken() error = %v", err)
	}

	got, err := store.ValidateRefreshToken(ctx, "refresh-1", testutil.TestClientID)
	if err != nil {
		t.Fatalf("ValidateRefreshToken() error = %v", err)
	}
	if got != tokenID {
		t.Errorf("ValidateRefreshToken() = %d, want %d", got, tokenID)
	}

	if _, err := store.ValidateRefreshToken(ctx, "refresh-1", "other-client"); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("ValidateRefreshToken() for other client error = %v, want ErrRefreshTokenNotFound", err)
	}

	if err := store.RemoveRefreshToken(ctx, "refresh-1"); err != nil {
		t.Fatalf("RemoveRefreshToken() error = %v", err)
	}
	if _, err := store.ValidateRefreshToken(ctx, "refresh-1", testutil.TestClientID); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("ValidateRefreshToken() after removal error = %v, want ErrRefreshTokenNotFound", err)
	}
}

func TestStore_RefreshTokenExpiry(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	sessionID := mustSession(t, store, storage.OwnerTypeUser, testutil.TestUserID)
	tokenID, _ := store.AssociateAccessToken(ctx, sessionID, "access-1", clock.Now().Add(time.Minute))
	_ = store.AssociateRefreshToken(ctx, tokenID, "refresh-1", clock.Now().Add(time.Hour), testutil.TestClientID)

	clock.Advance(time.Hour)
	if _, err := store.ValidateRefreshToken(ctx, "refresh-1", testutil.TestClientID); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("ValidateRefreshToken() after expiry error = %v, want ErrRefreshTokenNotFound", err)
	}
}

// ============================================================
// Session Tests
// ============================================================

func TestStore_DeleteSession_Cascades(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	exp := clock.Now().Add(time.Hour)

	sessionID := mustSession(t, store, storage.OwnerTypeUser, testutil.TestUserID)
	_ = store.AssociateRedirectURI(ctx, sessionID, testutil.TestRedirectURI)
	if _, err := store.AssociateAuthCode(ctx, sessionID, "code", exp); err != nil {
		t.Fatalf("AssociateAuthCode() error = %v", err)
	}
	tokenID, _ := store.AssociateAccessToken(ctx, sessionID, "access", exp)
	_ = store.AssociateRefreshToken(ctx, tokenID, "refresh", exp, testutil.TestClientID)

	other := mustSession(t, store, storage.OwnerTypeUser, "someone-else")
	if _, err := store.AssociateAccessToken(ctx, other, "other-access", exp); err != nil {
		t.Fatalf("AssociateAccessToken() error = %v", err)
	}

	if err := store.DeleteSession(ctx, testutil.TestClientID, storage.OwnerTypeUser, testutil.TestUserID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}

	if _, err := store.ValidateAccessToken(ctx, "access"); !errors.Is(err, storage.ErrAccessTokenNotFound) {
		t.Errorf("access token should be gone, error = %v", err)
	}
	if _, err := store.ValidateRefreshToken(ctx, "refresh", testutil.TestClientID); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("refresh token should be gone, error = %v", err)
	}
	if _, err := store.ValidateAuthCode(ctx, testutil.TestClientID, testutil.TestRedirectURI, "code"); !errors.Is(err, storage.ErrAuthCodeNotFound) {
		t.Errorf("auth code should be gone, error = %v", err)
	}
	if _, err := store.ValidateAccessToken(ctx, "other-access"); err != nil {
		t.Errorf("other sessions must survive, error = %v", err)
	}

	stats := store.Stats()
	if stats.Sessions != 1 || stats.AccessTokens != 1 || stats.RefreshTokens != 0 || stats.AuthCodes != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestStore_ReplaceSession(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	first, err := store.ReplaceSession(ctx, testutil.TestClientID, storage.OwnerTypeClient, testutil.TestClientID)
	if err != nil {
		t.Fatalf("ReplaceSession() error = %v", err)
	}
	if _, err := store.AssociateAccessToken(ctx, first, "access-1", clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("AssociateAccessToken() error = %v", err)
	}

	second, err := store.ReplaceSession(ctx, testutil.TestClientID, storage.OwnerTypeClient, testutil.TestClientID)
	if err != nil {
		t.Fatalf("ReplaceSession() error = %v", err)
	}
	if second == first {
		t.Error("ReplaceSession() should create a new session id")
	}
	if _, err := store.ValidateAccessToken(ctx, "access-1"); !errors.Is(err, storage.ErrAccessTokenNotFound) {
		t.Errorf("tokens of the replaced session should be gone, error = %v", err)
	}
	if got := store.Stats().Sessions; got != 1 {
		t.Errorf("Stats().Sessions = %d, want 1", got)
	}
}

func TestStore_ConcurrentRemoveAuthCode(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	sessionID := mustSession(t, store, storage.OwnerTypeUser, testutil.TestUserID)
	if _, err := store.AssociateAuthCode(ctx, sessionID, "code", clock.Now().Add(time.Minute)); err != nil {
		t.Fatalf("AssociateAuthCode() error = %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.RemoveAuthCode(ctx, sessionID); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("RemoveAuthCode() succeeded %d times, want exactly 1", succeeded)
	}
}

// ============================================================
// Cleanup Tests
// ============================================================

func TestStore_Cleanup(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	sessionID := mustSession(t, store, storage.OwnerTypeUser, testutil.TestUserID)
	_, _ = store.AssociateAuthCode(ctx, sessionID, "code", clock.Now().Add(time.Minute))

	// expired access token with a live refresh token
	refreshable, _ := store.AssociateAccessToken(ctx, sessionID, "refreshable", clock.Now().Add(time.Minute))
	_ = store.AssociateRefreshToken(ctx, refreshable, "refresh", clock.Now().Add(24*time.Hour), testutil.TestClientID)

	// expired access token without one
	_, _ = store.AssociateAccessToken(ctx, sessionID, "dead", clock.Now().Add(time.Minute))

	// still valid
	_, _ = store.AssociateAccessToken(ctx, sessionID, "live", clock.Now().Add(2*time.Hour))

	clock.Advance(time.Hour)

	if removed := store.Cleanup(); removed != 2 {
		t.Errorf("Cleanup() removed %d, want 2 (code and dead token)", removed)
	}

	if _, err := store.GetAccessToken(ctx, refreshable); err != nil {
		t.Errorf("refreshable token should survive cleanup, error = %v", err)
	}
	if _, err := store.ValidateAccessToken(ctx, "live"); err != nil {
		t.Errorf("live token should survive cleanup, error = %v", err)
	}

	stats := store.Stats()
	if stats.AccessTokens != 2 || stats.AuthCodes != 0 || stats.RefreshTokens != 1 {
		t.Errorf("Stats() = %+v", stats)
	}

	clock.Advance(24 * time.Hour)
	if removed := store.Cleanup(); removed != 3 {
		t.Errorf("second Cleanup() removed %d, want 3 (refresh, refreshable and live)", removed)
	}
}

func TestStore_StopTwice(t *testing.T) {
	store := NewWithInterval(time.Millisecond)
	store.Stop()
	store.Stop()
}

// ============================================================
// Instrumentation Tests
// ============================================================

func TestStore_Instrumentation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	recorder := tracetest.NewSpanRecorder()
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:        true,
		MeterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
	})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}

	store, clock := newTestStore(t)
	store.SetInstrumentation(inst)
	ctx := context.Background()

	sessionID := mustSession(t, store, storage.OwnerTypeUser, testutil.TestUserID)
	_, _ = store.AssociateAccessToken(ctx, sessionID, "access", clock.Now().Add(time.Hour))
	_, _ = store.ValidateAccessToken(ctx, "missing")

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}
	want := []string{"storage.create_session", "storage.associate_access_token", "storage.validate_access_token"}
	if len(names) != len(want) {
		t.Fatalf("spans = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("span[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	gauges := map[string]int64{}
	results := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					gauges[m.Name] = dp.Value
				}
			case metricdata.Sum[int64]:
				if m.Name != instrumentation.MetricStorageOperations {
					continue
				}
				for _, dp := range data.DataPoints {
					result, _ := dp.Attributes.Value("result")
					results[result.AsString()] += dp.Value
				}
			}
		}
	}

	if gauges["storage.sessions.count"] != 1 {
		t.Errorf("storage.sessions.count = %d, want 1", gauges["storage.sessions.count"])
	}
	if gauges["storage.access_tokens.count"] != 1 {
		t.Errorf("storage.access_tokens.count = %d, want 1", gauges["storage.access_tokens.count"])
	}
	if results["success"] != 2 || results["not_found"] != 1 {
		t.Errorf("storage operation results = %v, want 2 success and 1 not_found", results)
	}
}

// ============================================================
// Users Tests
// ============================================================

func TestUsers_Verify(t *testing.T) {
	users := NewUsers()
	if err := users.Add(testutil.TestUsername, testutil.TestPassword, testutil.TestUserID); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	tests := []struct {
		name     string
		username string
		password string
		want     string
	}{
		{name: "valid", username: testutil.TestUsername, password: testutil.TestPassword, want: testutil.TestUserID},
		{name: "wrong password", username: testutil.TestUsername, password: "wrong", want: ""},
		{name: "unknown user", username: "nobody", password: testutil.TestPassword, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := users.Verify(context.Background(), tt.username, tt.password)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Verify() = %q, want %q", got, tt.want)
			}
		})
	}

	if err := users.Add("", "x", "id"); err == nil {
		t.Error("Add() without username should fail")
	}
}
