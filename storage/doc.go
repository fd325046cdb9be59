// Package storage provides the persistence contracts for the OAuth grant engine.
//
// The storage package defines the interfaces the engine consumes:
//   - ClientStore: looks up registered clients by id, secret and redirect URI
//   - ScopeStore: resolves scope identifiers to scope records
//   - SessionStore: manages sessions, authorization codes, access and refresh tokens
//   - SessionReplacer: optional atomic session replacement
//
// The engine never mutates clients or scopes; it only creates and removes
// sessions, authorization codes, access tokens and refresh tokens. Secrets are
// looked up by their HashToken digest.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development, testing and single instances
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
