// Package ratelimit implements fixed-window rate limiting keyed by arbitrary
// strings, with per-tier limits for callers.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Caller tiers.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// DefaultWindow is the window length used when none is configured.
const DefaultWindow = time.Minute

// DefaultTiers returns the built-in per-window limits.
func DefaultTiers() map[string]int {
	return map[string]int{
		TierFree:       10,
		TierPro:        100,
		TierEnterprise: 1000,
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// window tracks the count for a single key.
type window struct {
	start time.Time
	count int
}

// Limiter is a fixed-window counter per key. Check and increment happen in
// one critical section, and a denied request does not increment.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	window  time.Duration
	tiers   map[string]int
	now     func() time.Time // injectable clock for testing
}

// New creates a Limiter. Missing tiers fall back to DefaultTiers.
func New(length time.Duration, tiers map[string]int) *Limiter {
	if length <= 0 {
		length = DefaultWindow
	}
	merged := DefaultTiers()
	for k, v := range tiers {
		if v > 0 {
			merged[strings.ToLower(k)] = v
		}
	}
	return &Limiter{
		windows: make(map[string]*window),
		window:  length,
		tiers:   merged,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Key builds the bucket key for a caller within an organization.
func Key(orgID, callerID string) string {
	return orgID + "|" + callerID
}

// LimitFor returns the per-window limit of a tier. Unknown tiers get the
// free limit.
func (l *Limiter) LimitFor(tier string) int {
	if n, ok := l.tiers[strings.ToLower(tier)]; ok {
		return n
	}
	return l.tiers[TierFree]
}

// AllowTier is Allow with the limit of the given tier.
func (l *Limiter) AllowTier(key, tier string) Decision {
	return l.Allow(key, l.LimitFor(tier))
}

// Allow counts one request against key if fewer than limit requests were
// made in the current window.
func (l *Limiter) Allow(key string, limit int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.window)) {
		w = &window{start: now}
		l.windows[key] = w
	}

	d := Decision{Limit: limit, ResetAt: w.start.Add(l.window)}
	if w.count >= limit {
		return d
	}
	w.count++
	d.Allowed = true
	d.Remaining = limit - w.count
	return d
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Sweep drops keys whose window has ended and returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for k, w := range l.windows {
		if !now.Before(w.start.Add(l.window)) {
			delete(l.windows, k)
			removed++
		}
	}
	return removed
}
