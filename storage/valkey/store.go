package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth2-engine/instrumentation"
	"github.com/giantswarm/oauth2-engine/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth2:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength is the maximum allowed length for token strings (512 bytes)
	MaxTokenLength = 512

	// MaxIDLength is the maximum allowed length for client, owner and scope identifiers
	MaxIDLength = 256
)

// Validation error messages (generic to prevent information leakage)
var (
	errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth2:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of the engine's storage interfaces.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	mu     sync.RWMutex
	now    func() time.Time
	tracer trace.Tracer
	inst   *instrumentation.Instrumentation
}

// Compile-time interface checks
var (
	_ storage.ClientStore     = (*Store)(nil)
	_ storage.ScopeStore      = (*Store)(nil)
	_ storage.SessionStore    = (*Store)(nil)
	_ storage.SessionReplacer = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for expiry checks. Key TTLs are still
// enforced by the server's clock.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation enables storage spans and operation metrics
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inst = inst
	s.tracer = nil
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

func (s *Store) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

// ============================================================
// Keys
// ============================================================

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *Store) clientKey(clientID string) string { return s.key("client", clientID) }
func (s *Store) scopeKey(scope string) string     { return s.key("scope", scope) }
func (s *Store) scopeIDKey(id int64) string       { return s.key("scope_id", formatID(id)) }
func (s *Store) seqKey() string                   { return s.key("seq") }
func (s *Store) sessionRecKey(id int64) string    { return s.key("session", formatID(id)) }
func (s *Store) codeKey(hash string) string       { return s.key("code", hash) }
func (s *Store) codeRecKey(id int64) string       { return s.key("code_rec", formatID(id)) }
func (s *Store) codeScopesKey(id int64) string    { return s.key("code_scopes", formatID(id)) }
func (s *Store) tokenKey(hash string) string      { return s.key("token", hash) }
func (s *Store) tokenRecKey(id int64) string      { return s.key("token_rec", formatID(id)) }
func (s *Store) tokenScopesKey(id int64) string   { return s.key("token_scopes", formatID(id)) }
func (s *Store) refreshKey(hash string) string    { return s.key("refresh", hash) }

// sessionDigest identifies a (client, owner) pair in key names without putting
// raw identifiers in them
func sessionDigest(clientID string, ownerType storage.OwnerType, ownerID string) string {
	return storage.HashToken(clientID + "\x00" + string(ownerType) + "\x00" + ownerID)
}

// ============================================================
// Helpers
// ============================================================

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseID(v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stored id %q: %w", v, err)
	}
	return id, nil
}

// formatExpiry encodes an expiry for storage in a hash field; zero means never
func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseExpiry(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// expireAtMillis is the PEXPIREAT argument for an expiry; "0" disables the TTL
func expireAtMillis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// isNilError checks if the error is a Valkey nil response (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

func validateToken(token string) error {
	if token == "" || len(token) > MaxTokenLength {
		return errInputTooLarge
	}
	return nil
}

func validateID(id string) error {
	if len(id) > MaxIDLength {
		return errInputTooLarge
	}
	return nil
}

// evalInt runs a script and returns its integer reply
func (s *Store) evalInt(ctx context.Context, script string, keys []string, args ...string) (int64, error) {
	cmd := s.client.B().Eval().Script(script).Numkeys(int64(len(keys))).Key(keys...).Arg(args...).Build()
	return s.client.Do(ctx, cmd).AsInt64()
}

// hgetall returns the fields of a hash, or nil when the key does not exist
func (s *Store) hgetall(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(key).Build()).AsStrMap()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// getID reads a key holding a record id
func (s *Store) getID(ctx context.Context, key string) (int64, bool, error) {
	v, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if isNilError(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := parseID(v)
	return id, err == nil, err
}

// scopeIDs reads a scope id list, dropping duplicates
func (s *Store) scopeIDs(ctx context.Context, key string) ([]int64, error) {
	raw, err := s.client.Do(ctx, s.client.B().Lrange().Key(key).Start(0).Stop(-1).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(raw))
	seen := make(map[int64]bool, len(raw))
	for _, v := range raw {
		id, err := parseID(v)
		if err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// track starts a span for a storage operation and returns a func that records
// its outcome. Not-found results are not span errors.
func (s *Store) track(ctx context.Context, operation string) (context.Context, func(error)) {
	s.mu.RLock()
	tracer, inst := s.tracer, s.inst
	s.mu.RUnlock()
	if tracer == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("db.system", "valkey"),
		))

	return ctx, func(err error) {
		defer span.End()

		result := "success"
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		case storage.IsNotFound(err):
			result = "not_found"
		default:
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		inst.Metrics().RecordStorageOperation(ctx, operation, result,
			float64(time.Since(start).Microseconds())/1000)
	}
}
