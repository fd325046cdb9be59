// Package testutil provides testing utilities, test fixtures and a mock time
// provider for deterministic expiry tests across the engine's packages.
package testutil
