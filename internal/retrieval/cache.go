package retrieval

import (
	"sync"
	"time"

	"docsense/internal/logging"
)

// =============================================================================
// QUERY RESULT CACHE
// =============================================================================

type cachedResponse struct {
	resp      *Response
	timestamp time.Time
}

// queryCache memoizes full responses keyed by the plan cache key. Any field
// mutation invalidates the whole cache: answers embed field values, so a
// stale entry can cite a corrected value's old text.
type queryCache struct {
	mu      sync.Mutex
	entries map[string]*cachedResponse
	maxSize int
	ttl     time.Duration
}

func newQueryCache(maxSize int, ttl time.Duration) *queryCache {
	if maxSize <= 0 {
		maxSize = 128
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &queryCache{
		entries: make(map[string]*cachedResponse),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func (c *queryCache) get(key string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.timestamp) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.resp, true
}

func (c *queryCache) put(key string, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = &cachedResponse{resp: resp, timestamp: time.Now()}
}

func (c *queryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, entry := range c.entries {
		if first || entry.timestamp.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.timestamp
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *queryCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*cachedResponse)
	if n > 0 {
		logging.Retrieval("Query cache invalidated: %d entries dropped", n)
	}
}

func (c *queryCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
