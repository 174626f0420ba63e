// Package cache provides the response cache used by the tool invoker: a
// thread-safe LRU map whose entries carry their own TTL and expire lazily
// on read.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// DefaultCapacity bounds the number of entries when none is configured.
const DefaultCapacity = 1024

// Entry is a cached value with its insertion time and lifetime.
type Entry struct {
	Key        string
	Value      any
	InsertedAt time.Time
	TTL        time.Duration
}

// Expired reports whether the entry has outlived its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.InsertedAt.Add(e.TTL))
}

// Cache is an LRU cache with per-entry TTL.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	lru      *list.List
	now      func() time.Time
}

// New creates a cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		lru:      list.New(),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns the value for key if present and not expired. Expired entries
// are removed.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := elem.Value.(*Entry)
	if ent.Expired(c.now()) {
		c.lru.Remove(elem)
		delete(c.items, key)
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return ent.Value, true
}

// Set stores value under key for ttl. A non-positive ttl is a no-op.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ent := &Entry{Key: key, Value: value, InsertedAt: c.now(), TTL: ttl}
	if elem, ok := c.items[key]; ok {
		elem.Value = ent
		c.lru.MoveToFront(elem)
		return
	}
	c.items[key] = c.lru.PushFront(ent)

	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.items, oldest.Value.(*Entry).Key)
	}
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.lru.Remove(elem)
		delete(c.items, key)
	}
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Key derives the cache key for a tool call. Tool ids are unique only within
// an organization, so the organization is part of the key. encoding/json
// sorts map keys, so equal inputs produce equal keys regardless of
// construction order.
func Key(orgID, toolID string, input map[string]any) string {
	b, err := json.Marshal(input)
	if err != nil {
		b = []byte("!unserializable")
	}
	h := sha256.New()
	h.Write([]byte(orgID))
	h.Write([]byte{0})
	h.Write([]byte(toolID))
	h.Write([]byte{0})
	h.Write(b)
	return orgID + "|" + toolID + ":" + hex.EncodeToString(h.Sum(nil))
}
