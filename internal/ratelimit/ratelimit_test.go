package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
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

// newTestLimiter creates a Limiter wired to the given fake clock.
func newTestLimiter(clock *fakeClock) *Limiter {
	l := New(time.Minute, nil)
	l.SetClock(clock.Now)
	return l
}

func TestFreeTierBoundary(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := newTestLimiter(clock)
	key := Key("org1", "caller1")

	for i := 1; i <= 10; i++ {
		d := l.AllowTier(key, TierFree)
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Remaining != 10-i {
			t.Errorf("request %d: remaining = %d", i, d.Remaining)
		}
	}
	d := l.AllowTier(key, TierFree)
	if d.Allowed {
		t.Fatal("11th request should be denied")
	}
	if d.Remaining != 0 || d.Limit != 10 {
		t.Errorf("denied decision = %+v", d)
	}
}

func TestDeniedRequestsDoNotIncrement(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	l := newTestLimiter(clock)

	for i := 0; i < 50; i++ {
		l.Allow("k", 2)
	}
	l.mu.Lock()
	count := l.windows["k"].count
	l.mu.Unlock()
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestWindowReset(t *testing.T) {
	clock := newFakeClock(time.Unix(1000, 0))
	l := newTestLimiter(clock)

	for i := 0; i < 10; i++ {
		l.AllowTier("k", TierFree)
	}
	if l.AllowTier("k", TierFree).Allowed {
		t.Fatal("should be limited")
	}

	clock.Advance(59 * time.Second)
	if l.AllowTier("k", TierFree).Allowed {
		t.Fatal("window has not ended yet")
	}

	clock.Advance(time.Second)
	d := l.AllowTier("k", TierFree)
	if !d.Allowed || d.Remaining != 9 {
		t.Errorf("after reset = %+v", d)
	}
	if !d.ResetAt.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("resetAt = %v", d.ResetAt)
	}
}

func TestTierLimits(t *testing.T) {
	l := New(time.Minute, map[string]int{"Pro": 250})
	tests := []struct {
		tier string
		want int
	}{
		{TierFree, 10},
		{TierPro, 250},
		{"PRO", 250},
		{TierEnterprise, 1000},
		{"platinum", 10},
		{"", 10},
	}
	for _, tt := range tests {
		if got := l.LimitFor(tt.tier); got != tt.want {
			t.Errorf("LimitFor(%q) = %d, want %d", tt.tier, got, tt.want)
		}
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := newTestLimiter(newFakeClock(time.Unix(0, 0)))
	if !l.Allow(Key("org1", "a"), 1).Allowed {
		t.Fatal("first request for a should pass")
	}
	if l.Allow(Key("org1", "a"), 1).Allowed {
		t.Fatal("second request for a should fail")
	}
	if !l.Allow(Key("org2", "a"), 1).Allowed {
		t.Error("same caller in another organization has its own window")
	}
}

func TestConcurrentAccess(t *testing.T) {
	l := newTestLimiter(newFakeClock(time.Unix(0, 0)))
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.AllowTier("shared", TierPro).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowed.Load() != 100 {
		t.Errorf("allowed = %d, want exactly 100", allowed.Load())
	}
}

func TestSweep(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	l := newTestLimiter(clock)
	l.Allow("old", 5)
	clock.Advance(30 * time.Second)
	l.Allow("new", 5)
	clock.Advance(31 * time.Second)

	if n := l.Sweep(); n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("len = %d, want 1", l.Len())
	}
}
