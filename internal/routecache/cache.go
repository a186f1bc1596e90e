package routecache

import (
	"sync"
	"time"
)

// Entry is one cached routing selection. Channels lists every channel id the
// selection references (primary first) so channel invalidation can match it.
type Entry struct {
	Primary  string
	Channels []string
	Payload  any

	createdAt  time.Time
	lastAccess time.Time
}

// Stats is a snapshot of cache counters for the admin endpoint.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Invalidations int64   `json:"invalidations"`
	Size          int     `json:"size"`
	MaxSize       int     `json:"max_size"`
	HitRate       float64 `json:"hit_rate"`
}

const (
	DefaultTTL        = 60 * time.Second
	DefaultMaxEntries = 1000
)

// Cache is a TTL-bounded, size-limited cache of routing selections. Expired
// entries are dropped on read and by a periodic sweep; when the sweep leaves
// the cache over capacity, least-recently-used entries go first.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	ttl        time.Duration
	maxEntries int

	hits          int64
	misses        int64
	invalidations int64

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

// New creates a Cache. cleanupInterval <= 0 defaults to ttl/2.
func New(ttl time.Duration, maxEntries int, cleanupInterval time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl / 2
	}
	if cleanupInterval < time.Second {
		cleanupInterval = time.Second
	}
	c := &Cache{
		entries:    make(map[string]*Entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.cleanupLoop(cleanupInterval)
	return c
}

// Get returns the entry for key if present and unexpired.
func (c *Cache) Get(key string) (*Entry, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if now.Sub(e.createdAt) > c.ttl {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	e.lastAccess = now
	c.hits++
	return e, true
}

// Set stores a selection. At capacity the least-recently-used entry is evicted.
func (c *Cache) Set(key string, e Entry) {
	now := c.now()
	e.createdAt = now
	e.lastAccess = now

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLRULocked()
	}
	c.entries[key] = &e
}

// InvalidateChannel removes every entry whose selection references channelID,
// as primary or backup. Returns the number removed.
func (c *Cache) InvalidateChannel(channelID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		for _, ch := range e.Channels {
			if ch == channelID {
				delete(c.entries, k)
				removed++
				break
			}
		}
	}
	c.invalidations += int64(removed)
	return removed
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Invalidations: c.invalidations,
		Size:          len(c.entries),
		MaxSize:       c.maxEntries,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Stop terminates the background sweep goroutine.
func (c *Cache) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if now.Sub(e.createdAt) > c.ttl {
			delete(c.entries, k)
		}
	}
	for len(c.entries) > c.maxEntries {
		c.evictLRULocked()
	}
}

// evictLRULocked removes the entry with the oldest lastAccess. Caller holds c.mu.
func (c *Cache) evictLRULocked() {
	var lruKey string
	var lruTime time.Time
	first := true
	for k, e := range c.entries {
		if first || e.lastAccess.Before(lruTime) {
			lruKey = k
			lruTime = e.lastAccess
			first = false
		}
	}
	if !first {
		delete(c.entries, lruKey)
	}
}
