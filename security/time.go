package security

import "time"

// IsExpired reports whether expiresAt has been reached at now. A zero expiry
// never expires. A token is dead from the second it expires.
func IsExpired(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt)
}

// ExpiresIn returns the whole seconds left until expiresAt, never negative
func ExpiresIn(expiresAt, now time.Time) int64 {
	if expiresAt.IsZero() || !now.Before(expiresAt) {
		return 0
	}
	return int64(expiresAt.Sub(now) / time.Second)
}
