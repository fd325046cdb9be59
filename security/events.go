package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a grant flow issues an access token
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is redeemed
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked, e.g. a rotated refresh token
	EventTokenRevoked = "token_revoked"

	// Authorization code events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued after consent
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an already consumed code is redeemed again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Security violation events

	// EventAuthFailure is logged when client or user authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventScopeEscalationAttempt is logged when a refresh asks for a scope that was never granted
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventInvalidAccessToken is logged when a resource request presents an unknown or expired token
	EventInvalidAccessToken = "invalid_access_token" //nolint:gosec // G101: event type name, not a credential
)
