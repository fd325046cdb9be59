package testutil

import (
	"testing"
	"time"
)

func TestMockTime(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockTime(start)

	if got := clock.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}

	clock.Advance(time.Hour)
	if got := clock.Now(); !got.Equal(start.Add(time.Hour)) {
		t.Errorf("Now() after Advance = %v, want %v", got, start.Add(time.Hour))
	}

	later := start.Add(48 * time.Hour)
	clock.Set(later)
	if got := clock.Now(); !got.Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", got, later)
	}
}

func TestGenerateRandomString(t *testing.T) {
	a := GenerateRandomString(32)
	b := GenerateRandomString(32)

	if len(a) != 32 {
		t.Errorf("length = %d, want 32", len(a))
	}
	if a == b {
		t.Error("two random strings should differ")
	}
}
