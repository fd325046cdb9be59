package security

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRateLimiter(t *testing.T, config RateLimitConfig) (*RateLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(config, nil)
	rl.now = clock.Now
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 10}, nil)
	defer rl.Stop()

	if rl.config.MaxEntries != DefaultRateLimitMaxEntries {
		t.Errorf("MaxEntries = %d, want %d", rl.config.MaxEntries, DefaultRateLimitMaxEntries)
	}
	if rl.config.CleanupInterval != DefaultRateLimitCleanupInterval {
		t.Errorf("CleanupInterval = %v, want %v", rl.config.CleanupInterval, DefaultRateLimitCleanupInterval)
	}
	if rl.config.IdleTimeout != DefaultRateLimitIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", rl.config.IdleTimeout, DefaultRateLimitIdleTimeout)
	}
	if rl.config.Burst != 1 {
		t.Errorf("Burst = %d, want 1", rl.config.Burst)
	}
	if rl.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, _ := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 10, Burst: 5})

	for i := 0; i < 5; i++ {
		if !rl.Allow("client") {
			t.Errorf("Allow() request %d should be allowed", i+1)
		}
	}
	if rl.Allow("client") {
		t.Error("Allow() should return false once the burst is spent")
	}
}

func TestRateLimiter_Allow_MultipleIdentifiers(t *testing.T) {
	rl, _ := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 10, Burst: 2})

	rl.Allow("id-1")
	rl.Allow("id-1")
	if rl.Allow("id-1") {
		t.Error("Allow(id-1) should be rate limited")
	}
	if !rl.Allow("id-2") {
		t.Error("Allow(id-2) should be allowed (different identifier)")
	}
}

func TestRateLimiter_Allow_RefillOverTime(t *testing.T) {
	rl, clock := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 2, Burst: 2})

	rl.Allow("client")
	rl.Allow("client")
	if rl.Allow("client") {
		t.Fatal("Allow() should be rate limited")
	}

	clock.Advance(500 * time.Millisecond)

	if !rl.Allow("client") {
		t.Error("Allow() should be allowed after a token refill")
	}
	if rl.Allow("client") {
		t.Error("Allow() should be limited again after using the refilled token")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl, _ := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxEntries: 2})

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("a") // a becomes most recently used
	rl.Allow("c") // evicts b

	if got := rl.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	if _, ok := rl.limiters["b"]; ok {
		t.Error("least recently used identifier should have been evicted")
	}
	if _, ok := rl.limiters["a"]; !ok {
		t.Error("recently used identifier should be kept")
	}
	if rl.evictions != 1 {
		t.Errorf("evictions = %d, want 1", rl.evictions)
	}

	// b starts with a full bucket again
	if !rl.Allow("b") {
		t.Error("evicted identifier should get a fresh bucket")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl, clock := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 10, Burst: 10, IdleTimeout: time.Minute})

	rl.Allow("idle-1")
	rl.Allow("idle-2")
	clock.Advance(45 * time.Second)
	rl.Allow("active")
	clock.Advance(30 * time.Second)

	if removed := rl.Cleanup(); removed != 2 {
		t.Errorf("Cleanup() removed %d, want 2", removed)
	}
	if got := rl.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
	if _, ok := rl.limiters["active"]; !ok {
		t.Error("active identifier should survive cleanup")
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000, MaxEntries: 50}, nil)
	defer rl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rl.Allow(fmt.Sprintf("id-%d", (n*100+j)%75))
			}
		}(i)
	}
	wg.Wait()

	if got := rl.Len(); got > 50 {
		t.Errorf("Len() = %d, want at most 50", got)
	}
}

func TestRateLimiter_Stop(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1}, nil)
	rl.Stop()
	rl.Stop()
}

func TestRateLimiter_Nil(t *testing.T) {
	var rl *RateLimiter
	if !rl.Allow("anything") {
		t.Error("nil limiter should allow everything")
	}
	if rl.Cleanup() != 0 || rl.Len() != 0 {
		t.Error("nil limiter should track nothing")
	}
	rl.Stop()
}
