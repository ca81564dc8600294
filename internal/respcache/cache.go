// Package respcache memoizes provider responses per feature and normalized
// query text.
package respcache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"vichat_go_backend/internal/models"
	"vichat_go_backend/internal/scheduler"

	"github.com/rs/zerolog/log"
)

const (
	DefaultTTL        = 30 * time.Minute
	DefaultMaxEntries = 1000
)

// Entry is one cached response.
type Entry struct {
	Key       string
	Feature   models.Feature
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Evictions  int64   `json:"evictions"`
	TTLSeconds float64 `json:"ttl_seconds"`
}

// Cache is a TTL cache bounded by entry count. When full, the oldest
// inserted entry is evicted; reads never reorder entries.
type Cache struct {
	clock      scheduler.Clock
	ttl        time.Duration
	maxEntries int

	mu      sync.RWMutex
	order   *list.List // of *Entry, oldest first
	entries map[string]*list.Element

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache. Non-positive ttl or maxEntries take the defaults.
func New(clock scheduler.Clock, ttl time.Duration, maxEntries int) *Cache {
	if clock == nil {
		clock = scheduler.RealClock()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		clock:      clock,
		ttl:        ttl,
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Get returns the payload cached for feature and query, if present and
// not expired.
func (c *Cache) Get(feature models.Feature, query string) ([]byte, bool) {
	key := Key(feature, query)
	now := c.clock.Now()

	c.mu.RLock()
	el, ok := c.entries[key]
	var payload []byte
	if ok {
		e := el.Value.(*Entry)
		if now.Before(e.ExpiresAt) {
			payload = e.Payload
		} else {
			ok = false
		}
	}
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return payload, true
}

// Put stores payload for ttl, or the cache default when ttl is zero.
// Storing an existing key replaces it and counts as a fresh insertion.
func (c *Cache) Put(feature models.Feature, query string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := Key(feature, query)
	now := c.clock.Now()
	e := &Entry{
		Key:       key,
		Feature:   feature,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
	for len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = c.order.PushBack(e)
}

// Delete removes the entry for feature and query.
func (c *Cache) Delete(feature models.Feature, query string) bool {
	key := Key(feature, query)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.entries, key)
	return true
}

// CleanupExpired removes expired entries and returns how many were removed.
func (c *Cache) CleanupExpired() int {
	now := c.clock.Now()

	c.mu.Lock()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry)
		if !now.Before(e.ExpiresAt) {
			c.order.Remove(el)
			delete(c.entries, e.Key)
			removed++
		}
		el = next
	}
	c.mu.Unlock()

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Removed expired cache entries")
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns hit/miss counters and occupancy.
func (c *Cache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{
		Entries:    c.Len(),
		MaxEntries: c.maxEntries,
		Hits:       hits,
		Misses:     misses,
		Evictions:  c.evictions.Load(),
		TTLSeconds: c.ttl.Seconds(),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func (c *Cache) evictOldestLocked() {
	el := c.order.Front()
	if el == nil {
		return
	}
	e := el.Value.(*Entry)
	c.order.Remove(el)
	delete(c.entries, e.Key)
	c.evictions.Add(1)
}
