package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limiter defaults
const (
	DefaultRateLimitMaxEntries      = 10000
	DefaultRateLimitCleanupInterval = 5 * time.Minute
	DefaultRateLimitIdleTimeout     = 30 * time.Minute
)

// RateLimitConfig configures a RateLimiter
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate allowed per identifier
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`

	// Burst is the bucket size per identifier
	Burst int `yaml:"burst" validate:"gte=0"`

	// MaxEntries caps the identifiers tracked at once. Default: 10000
	MaxEntries int `yaml:"max_entries" validate:"gte=0"`

	// CleanupInterval is how often idle identifiers are swept. Default: 5m
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// IdleTimeout is how long an identifier may stay unused before it is swept. Default: 30m
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter keeps a token bucket per identifier, bounded by LRU eviction.
// A nil *RateLimiter allows everything.
type RateLimiter struct {
	config RateLimitConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*list.Element
	lru      *list.List

	evictions int64

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
// Call Stop to end the loop.
func NewRateLimiter(config RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxEntries == 0 {
		config.MaxEntries = DefaultRateLimitMaxEntries
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultRateLimitCleanupInterval
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultRateLimitIdleTimeout
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	rl := &RateLimiter{
		config:   config,
		logger:   logger,
		now:      time.Now,
		limiters: make(map[string]*list.Element),
		lru:      list.New(),
		stop:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from identifier may proceed now
func (rl *RateLimiter) Allow(identifier string) bool {
	if rl == nil {
		return true
	}

	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[identifier]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if len(rl.limiters) >= rl.config.MaxEntries {
		rl.evictOldest()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lru.PushFront(entry)

	return entry.limiter.AllowN(now, 1)
}

// must be called with mu held
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lru.Remove(elem)
	rl.evictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", rl.evictions,
		"current_entries", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stop:
			return
		}
	}
}

// Cleanup drops identifiers idle for longer than IdleTimeout and returns how many
// were removed
func (rl *RateLimiter) Cleanup() int {
	if rl == nil {
		return 0
	}

	cutoff := rl.now().Add(-rl.config.IdleTimeout)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	// the list is ordered by last access, so stop at the first fresh entry
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if !entry.lastAccess.Before(cutoff) {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Cleaned up idle rate limiters",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
	return removed
}

// Len returns the number of identifiers currently tracked
func (rl *RateLimiter) Len() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	if rl == nil {
		return
	}
	rl.stopOnce.Do(func() { close(rl.stop) })
}
