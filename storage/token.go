package storage

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken returns the lookup key stores use for a secret (access token,
// refresh token or authorization code). Stores never persist the raw secret,
// so a leaked database cannot be replayed against the resource server.
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
