// Package config loads the reference server's YAML configuration.
//
// The file may reference environment variables (${VAR}); they are expanded from
// the process environment first and then from any .env files passed to Load.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth2-engine/security"
	"github.com/giantswarm/oauth2-engine/server"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendValkey = "valkey"
)

const (
	defaultListen      = ":8080"
	defaultMetricsPath = "/metrics"
	defaultLogLevel    = "info"
)

// Config is the reference server configuration
type Config struct {
	Listen            string                    `yaml:"listen" validate:"required"`
	Issuer            string                    `yaml:"issuer" validate:"omitempty,url"`
	LogLevel          string                    `yaml:"log_level" validate:"oneof=debug info warn error"`
	TrustedProxyCount int                       `yaml:"trusted_proxy_count" validate:"gte=0"`
	Audit             bool                      `yaml:"audit"`
	Engine            EngineConfig              `yaml:"engine"`
	Grants            GrantsConfig              `yaml:"grants"`
	Storage           StorageConfig             `yaml:"storage"`
	RateLimit         *security.RateLimitConfig `yaml:"rate_limit"`
	Metrics           MetricsConfig             `yaml:"metrics"`
	Clients           []ClientConfig            `yaml:"clients" validate:"dive"`
	Scopes            []ScopeConfig             `yaml:"scopes" validate:"dive"`
	Users             []UserConfig              `yaml:"users" validate:"dive"`
}

// EngineConfig mirrors server.Config
type EngineConfig struct {
	ScopeDelimiter    string `yaml:"scope_delimiter" validate:"omitempty,len=1"`
	AccessTokenTTL    int64  `yaml:"access_token_ttl" validate:"gte=0"`
	DefaultScope      string `yaml:"default_scope"`
	RequireScopeParam bool   `yaml:"require_scope_param"`
	RequireStateParam bool   `yaml:"require_state_param"`
}

// GrantsConfig enables grants. A nil entry leaves the grant unregistered.
type GrantsConfig struct {
	AuthorizationCode *AuthCodeGrantConfig     `yaml:"authorization_code"`
	ClientCredentials *GrantConfig             `yaml:"client_credentials"`
	Implicit          *GrantConfig             `yaml:"implicit"`
	Password          *GrantConfig             `yaml:"password"`
	RefreshToken      *RefreshTokenGrantConfig `yaml:"refresh_token"`
}

// GrantConfig holds the options every grant has
type GrantConfig struct {
	AccessTokenTTL int64 `yaml:"access_token_ttl" validate:"gte=0"`
}

// AuthCodeGrantConfig configures the authorization code grant
type AuthCodeGrantConfig struct {
	GrantConfig `yaml:",inline"`
	AuthCodeTTL int64 `yaml:"auth_code_ttl" validate:"gte=0"`
}

// RefreshTokenGrantConfig configures the refresh token grant
type RefreshTokenGrantConfig struct {
	GrantConfig     `yaml:",inline"`
	RefreshTokenTTL int64 `yaml:"refresh_token_ttl" validate:"gte=0"`
	Rotate          bool  `yaml:"rotate"`
}

// StorageConfig selects the store backend
type StorageConfig struct {
	Backend string       `yaml:"backend" validate:"oneof=memory valkey"`
	Valkey  ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig configures the valkey store
type ValkeyConfig struct {
	Address   string `yaml:"address" validate:"required_if=Enabled true"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix"`
	TLS       bool   `yaml:"tls"`

	// Enabled is derived from StorageConfig.Backend
	Enabled bool `yaml:"-"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"omitempty,startswith=/"`
}

// ClientConfig seeds a client
type ClientConfig struct {
	ID           string   `yaml:"id" validate:"required"`
	Secret       string   `yaml:"secret"`
	Name         string   `yaml:"name"`
	RedirectURIs []string `yaml:"redirect_uris" validate:"dive,url"`
	GrantTypes   []string `yaml:"grant_types"`
	Scopes       []string `yaml:"scopes"`
	AutoApprove  bool     `yaml:"auto_approve"`
}

// ScopeConfig seeds a scope
type ScopeConfig struct {
	Scope       string `yaml:"scope" validate:"required"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// UserConfig seeds a password grant user
type UserConfig struct {
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password" validate:"required"`
	ID       string `yaml:"id" validate:"required"`
}

// Load reads the configuration at path. Variables in the file are expanded from
// the process environment, falling back to envFiles; missing env files are skipped.
func Load(path string, envFiles ...string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	fileEnv, err := readEnvFiles(envFiles...)
	if err != nil {
		return nil, err
	}

	return Parse(content, func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return fileEnv[key]
	})
}

// Parse decodes, defaults and validates a configuration document. lookup resolves
// ${VAR} references; nil leaves the document unexpanded.
func Parse(content []byte, lookup func(string) string) (*Config, error) {
	if lookup != nil {
		content = []byte(os.Expand(string(content), lookup))
	}

	cfg := new(Config)
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readEnvFiles(files ...string) (map[string]string, error) {
	env := make(map[string]string)
	for _, file := range files {
		if strings.HasPrefix(file, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			file = strings.Replace(file, "~", home, 1)
		}

		values, err := godotenv.Read(file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", file, err)
		}
		// earlier files win, like godotenv.Load
		for k, v := range values {
			if _, ok := env[k]; !ok {
				env[k] = v
			}
		}
	}
	return env, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	c.Storage.Valkey.Enabled = c.Storage.Backend == BackendValkey
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		c.Metrics.Path = defaultMetricsPath
	}
}

// Validate checks the configuration. Field names in errors are the YAML keys.
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ServerConfig returns the engine policy
func (c *Config) ServerConfig() *server.Config {
	cfg := &server.Config{
		AccessTokenTTL:    c.Engine.AccessTokenTTL,
		DefaultScope:      c.Engine.DefaultScope,
		RequireScopeParam: c.Engine.RequireScopeParam,
		RequireStateParam: c.Engine.RequireStateParam,
	}
	if c.Engine.ScopeDelimiter != "" {
		cfg.ScopeDelimiter = []rune(c.Engine.ScopeDelimiter)[0]
	}
	return cfg
}

// BuildGrants returns the enabled grants. verify is used by the password grant.
func (c *Config) BuildGrants(verify server.CredentialsVerifier) []server.Grant {
	var grants []server.Grant

	if g := c.Grants.AuthorizationCode; g != nil {
		grant := server.NewAuthCodeGrant()
		grant.AccessTokenTTL = g.AccessTokenTTL
		if g.AuthCodeTTL > 0 {
			grant.AuthCodeTTL = g.AuthCodeTTL
		}
		grants = append(grants, grant)
	}
	if g := c.Grants.ClientCredentials; g != nil {
		grant := server.NewClientCredentialsGrant()
		grant.AccessTokenTTL = g.AccessTokenTTL
		grants = append(grants, grant)
	}
	if g := c.Grants.Implicit; g != nil {
		grant := server.NewImplicitGrant()
		grant.AccessTokenTTL = g.AccessTokenTTL
		grants = append(grants, grant)
	}
	if g := c.Grants.Password; g != nil {
		grant := server.NewPasswordGrant(verify)
		grant.AccessTokenTTL = g.AccessTokenTTL
		grants = append(grants, grant)
	}
	if g := c.Grants.RefreshToken; g != nil {
		grant := server.NewRefreshTokenGrant()
		grant.AccessTokenTTL = g.AccessTokenTTL
		if g.RefreshTokenTTL > 0 {
			grant.RefreshTokenTTL = g.RefreshTokenTTL
		}
		grant.RotateRefreshTokens = g.Rotate
		grants = append(grants, grant)
	}

	return grants
}
