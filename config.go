package oauth

import (
	"log/slog"

	"github.com/giantswarm/oauth2-engine/security"
)

// Config holds the HTTP handler configuration
type Config struct {
	// Issuer is the authorization server's base URL, advertised in metadata
	Issuer string

	// TokenEndpoint is the path the token handler is mounted on. Default: "/token"
	TokenEndpoint string

	// AuthorizationEndpoint is the path of the host's authorize page, if it has one.
	// It is only advertised in metadata.
	AuthorizationEndpoint string

	// ScopesSupported are advertised in metadata. The handler does not enforce them.
	ScopesSupported []string

	// TrustedProxyCount is the number of reverse proxies in front of the server.
	// Zero means client addresses are taken from the connection only.
	TrustedProxyCount int

	// EnableHSTS adds Strict-Transport-Security to responses. Only enable behind TLS.
	EnableHSTS bool

	// RateLimiter limits token requests and protected resource requests per client IP.
	// Nil disables rate limiting.
	RateLimiter *security.RateLimiter

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

const defaultTokenEndpoint = "/token"

func (c *Config) tokenEndpoint() string {
	if c.TokenEndpoint == "" {
		return defaultTokenEndpoint
	}
	return c.TokenEndpoint
}
