// Package memory provides an in-memory implementation of the storage contracts.
//
// Store implements ClientStore, ScopeStore, SessionStore and SessionReplacer
// using maps guarded by a sync.RWMutex. It is suitable for development, testing
// and single-instance deployments where persistence is not required.
//
// Features:
//   - Client secrets stored as bcrypt hashes, compared in constant time
//   - Tokens and codes stored as storage.HashToken digests
//   - Expiry applied at lookup, plus a background sweep of expired records
//   - Optional OpenTelemetry spans, operation metrics and size gauges
//
// Users is a bcrypt user directory whose Verify method fits the password grant.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	_ = store.SaveClient(ctx, storage.ClientRegistration{
//	    ClientID:     "web",
//	    ClientSecret: "secret",
//	    RedirectURIs: []string{"https://app.example.com/callback"},
//	})
//	_, _ = store.SaveScope(ctx, "basic", "Basic", "Basic profile access")
//
//	srv, _ := server.New(store, store, store, server.Config{})
//
// For deployments with several instances use the storage/valkey package instead.
package memory
