// Package valkey provides a Valkey storage backend for the OAuth grant engine.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// The Store type implements [storage.ClientStore], [storage.ScopeStore],
// [storage.SessionStore] and [storage.SessionReplacer], making it suitable for
// deployments that run more than one engine instance.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth2:"). Secrets only appear as
// their [storage.HashToken] digest:
//
//	{prefix}client:{clientID}              -> JSON(client registration)
//	{prefix}scope:{scope}                  -> JSON(scope)
//	{prefix}scope_id:{id}                  -> JSON(scope)
//	{prefix}seq                            -> id counter
//	{prefix}session:{id}                   -> HASH(client_id, owner_type, owner_id, redirect_uri, auth_code_id)
//	{prefix}session_key:{digest}           -> session id
//	{prefix}session_tokens:{id}            -> SET of access token ids
//	{prefix}code:{hash}                    -> code id (with TTL)
//	{prefix}code_rec:{id}                  -> HASH(session_id, hash, expires_at) (with TTL)
//	{prefix}code_scopes:{id}               -> LIST of scope ids (with TTL)
//	{prefix}token:{hash}                   -> access token id
//	{prefix}token_rec:{id}                 -> HASH(session_id, hash, expires_at)
//	{prefix}token_scopes:{id}              -> LIST of scope ids
//	{prefix}token_refresh:{id}             -> SET of refresh token hashes
//	{prefix}refresh:{hash}                 -> HASH(access_token_id, client_id, expires_at) (with TTL)
//
// Access token keys expire with the token, or with its longest-lived refresh
// token when that is later.
//
// # Atomic Operations
//
// Session creation, replacement and deletion, authorization code issue and
// removal, and token association run as Lua scripts. RemoveAuthCode in
// particular succeeds for exactly one of several concurrent callers, which is
// what makes double redemption of a code detectable. The scripts derive the keys
// they touch from the prefix, so the store expects a standalone server rather
// than a cluster.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauth2:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// Clients and scopes are seeded with SaveClient and SaveScope.
package valkey
