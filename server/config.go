package server

import (
	"log/slog"
	"unicode"
)

const (
	// DefaultAccessTokenTTL is the access token lifetime in seconds (1 hour)
	DefaultAccessTokenTTL int64 = 3600

	// DefaultAuthCodeTTL is the authorization code lifetime in seconds (10 minutes)
	DefaultAuthCodeTTL int64 = 600

	// DefaultRefreshTokenTTL is the refresh token lifetime in seconds (7 days)
	DefaultRefreshTokenTTL int64 = 604800

	// DefaultScopeDelimiter separates scopes in the scope parameter (RFC 6749 section 3.3)
	DefaultScopeDelimiter = ' '

	// TokenTypeBearer is the only token type the engine issues
	TokenTypeBearer = "Bearer"
)

// Config holds server-wide grant policy
type Config struct {
	// ScopeDelimiter separates scopes in the scope parameter.
	// Any whitespace rune is normalised to a space. Default: ' '
	ScopeDelimiter rune

	// AccessTokenTTL is how long access tokens are valid, in seconds.
	// Grants may override it with their own AccessTokenTTL. Default: 3600
	AccessTokenTTL int64

	// DefaultScope is used when a request carries no scope.
	// May hold several scopes separated by ScopeDelimiter. Empty means no default.
	DefaultScope string

	// RequireScopeParam rejects requests without a scope when there is no DefaultScope
	RequireScopeParam bool

	// RequireStateParam makes state mandatory when checking authorise parameters
	RequireStateParam bool
}

// applyDefaults fills unset fields. It never overrides explicit values.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config.ScopeDelimiter == 0 || unicode.IsSpace(config.ScopeDelimiter) {
		config.ScopeDelimiter = DefaultScopeDelimiter
	}

	if config.AccessTokenTTL <= 0 {
		if config.AccessTokenTTL < 0 {
			logger.Warn("Negative access token TTL ignored, using default",
				"access_token_ttl", config.AccessTokenTTL,
				"default", DefaultAccessTokenTTL)
		}
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}

	if config.ScopeDelimiter != DefaultScopeDelimiter {
		logger.Debug("Using non-standard scope delimiter", "delimiter", string(config.ScopeDelimiter))
	}

	return config
}
