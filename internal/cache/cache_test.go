package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func TestCacheTTL(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(10)
	c.SetClock(clock.Now)

	c.Set("k", "v", 5*time.Second)
	clock.Advance(4 * time.Second)
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("expected hit before ttl, got %v %v", v, ok)
	}

	clock.Advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss at ttl")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be evicted on read, len=%d", c.Len())
	}
}

func TestCacheZeroTTLIsNoop(t *testing.T) {
	c := New(10)
	c.Set("k", "v", 0)
	if _, ok := c.Get("k"); ok {
		t.Fatal("zero ttl should not store")
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	c.Set("a", 1, time.Hour)
	c.Set("b", 2, time.Hour)
	c.Get("a")
	c.Set("c", 3, time.Hour)

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s should still be cached", k)
		}
	}
}

func TestCacheOverwriteRefreshesTTL(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(10)
	c.SetClock(clock.Now)

	c.Set("k", "old", 2*time.Second)
	clock.Advance(time.Second)
	c.Set("k", "new", 2*time.Second)
	clock.Advance(1500 * time.Millisecond)

	if v, ok := c.Get("k"); !ok || v != "new" {
		t.Fatalf("got %v %v", v, ok)
	}
	if c.Len() != 1 {
		t.Errorf("len = %d", c.Len())
	}
}

func TestKey(t *testing.T) {
	a := Key("org-a", "t1", map[string]any{"city": "Paris", "units": "metric"})
	b := Key("org-a", "t1", map[string]any{"units": "metric", "city": "Paris"})
	if a != b {
		t.Error("key must not depend on map construction order")
	}
	if a == Key("org-a", "t2", map[string]any{"city": "Paris", "units": "metric"}) {
		t.Error("key must include the tool id")
	}
	if a == Key("org-b", "t1", map[string]any{"city": "Paris", "units": "metric"}) {
		t.Error("key must include the organization")
	}
	if a == Key("org-a", "t1", map[string]any{"city": "Lyon", "units": "metric"}) {
		t.Error("key must include the input")
	}
	if Key("a|b", "c", nil) == Key("a", "b|c", nil) {
		t.Error("organization and tool id must not run together")
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New(64)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				k := fmt.Sprintf("k%d", (i+j)%80)
				c.Set(k, j, time.Minute)
				c.Get(k)
				if j%10 == 0 {
					c.Delete(k)
				}
			}
		}(i)
	}
	wg.Wait()
	if c.Len() > 64 {
		t.Errorf("capacity exceeded: %d", c.Len())
	}
}
