// Package security provides the security plumbing around the OAuth engine:
// audit logging with hashed PII, per-identifier rate limiting, client IP
// extraction, response security headers, request ids and expiry checks.
//
// # Audit Logging
//
// The Auditor writes one structured "security_audit" log record per event.
// User identifiers are hashed before they are logged; client identifiers are not
// secret and are logged as is.
//
//	auditor := security.NewAuditor(logger, true)
//	auditor.LogTokenIssued(userID, clientID, clientIP, "read write")
//
// # Rate Limiting
//
// The RateLimiter keeps one token bucket per identifier (usually a client IP).
// Buckets idle for longer than IdleTimeout are dropped by a background sweep, and
// the number of tracked identifiers is capped at MaxEntries; when the cap is hit
// the least recently used bucket is evicted.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//	    RequestsPerSecond: 10,
//	    Burst:             20,
//	}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // respond with 429
//	}
package security
