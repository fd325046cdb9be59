package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth2-engine/instrumentation"
)

// Auditor writes security events to a structured logger with hashed PII.
// A nil *Auditor is valid and logs nothing.
type Auditor struct {
	logger          *slog.Logger
	enabled         bool
	instrumentation *instrumentation.Instrumentation
	now             func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetInstrumentation makes the auditor count every event it logs
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if a != nil {
		a.instrumentation = inst
	}
}

// Enabled reports whether events are written
func (a *Auditor) Enabled() bool {
	return a != nil && a.enabled
}

// Event is a single security audit record
type Event struct {
	ID        string
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event. The user id is hashed; an empty ID or
// Timestamp is filled in.
func (a *Auditor) LogEvent(event Event) {
	if !a.Enabled() {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}

	a.logger.Info("security_audit",
		"event_id", event.ID,
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	if a.instrumentation != nil {
		a.instrumentation.Metrics().RecordAuditEvent(context.Background(), event.Type)
	}
}

// LogTokenIssued logs when a grant flow issues an access token
func (a *Auditor) LogTokenIssued(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed logs when a refresh token is redeemed
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"rotated": rotated},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"token_type": tokenType},
	})
}

// LogAuthFailure logs a client or user authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, userID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		UserID:    userID,
		IPAddress: ipAddress,
	})
}

// LogAuthorizationCodeIssued logs when an authorization code is handed out
func (a *Auditor) LogAuthorizationCodeIssued(userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeIssued,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"scope": scope},
	})
}

// LogAuthCodeReuse logs an attempt to redeem an authorization code twice
func (a *Auditor) LogAuthCodeReuse(clientID string) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeReuseDetected,
		ClientID: clientID,
		Details:  map[string]any{"severity": "high"},
	})
}

// LogScopeEscalationAttempt logs a refresh asking for a scope outside the original grant
func (a *Auditor) LogScopeEscalationAttempt(clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventScopeEscalationAttempt,
		ClientID: clientID,
		Details:  map[string]any{"requested_scope": scope},
	})
}

// LogInvalidAccessToken logs a resource request with an unknown or expired token
func (a *Auditor) LogInvalidAccessToken(ipAddress string) {
	a.LogEvent(Event{
		Type:      EventInvalidAccessToken,
		IPAddress: ipAddress,
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
