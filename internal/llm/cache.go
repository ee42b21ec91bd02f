package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// PROMPT CACHE
// =============================================================================

// PromptCache memoizes completions keyed by (system, prompt). Entries expire
// after the TTL; at capacity the oldest entry is evicted.
type PromptCache struct {
	entries map[string]*promptEntry
	mu      sync.RWMutex
	maxSize int
	ttl     time.Duration
}

type promptEntry struct {
	text      string
	timestamp time.Time
}

// NewPromptCache creates an empty cache.
func NewPromptCache(maxSize int, ttl time.Duration) *PromptCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PromptCache{
		entries: make(map[string]*promptEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// CacheKey derives a stable key from the system prefix and prompt.
func CacheKey(system, prompt string) string {
	h := sha256.Sum256([]byte(system + "\x00" + prompt))
	return hex.EncodeToString(h[:16])
}

// Get returns a cached completion if present and fresh.
func (c *PromptCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Since(entry.timestamp) > c.ttl {
		return "", false
	}
	return entry.text, true
}

// Set stores a completion.
func (c *PromptCache) Set(key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = &promptEntry{text: text, timestamp: time.Now()}
}

func (c *PromptCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.timestamp.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.timestamp
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Clear empties the cache.
func (c *PromptCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*promptEntry)
}

// =============================================================================
// CACHING CLIENT WRAPPER
// =============================================================================

// CachingClient wraps a Client with a prompt cache. Identical prompts within
// the TTL are served locally without touching the API.
type CachingClient struct {
	inner Client
	cache *PromptCache
}

// NewCachingClient wraps inner with a cache of the given shape.
func NewCachingClient(inner Client, maxSize int, ttl time.Duration) *CachingClient {
	return &CachingClient{inner: inner, cache: NewPromptCache(maxSize, ttl)}
}

// Complete serves from cache when possible. Cache hits report zero usage.
func (c *CachingClient) Complete(ctx context.Context, system, prompt string) (string, Usage, error) {
	key := CacheKey(system, prompt)
	if text, ok := c.cache.Get(key); ok {
		return text, Usage{}, nil
	}
	text, usage, err := c.inner.Complete(ctx, system, prompt)
	if err != nil {
		return "", usage, err
	}
	c.cache.Set(key, text)
	return text, usage, nil
}

// CompleteJSON completes through the cache-aware path, retrying once with a
// stricter instruction on malformed JSON. The retry bypasses the cache.
func (c *CachingClient) CompleteJSON(ctx context.Context, system, prompt string, out interface{}) (Usage, error) {
	text, usage, err := c.Complete(ctx, system, prompt)
	if err != nil {
		return usage, err
	}
	if err := json.Unmarshal([]byte(ExtractJSON(text)), out); err == nil {
		return usage, nil
	}

	text2, usage2, err := c.inner.Complete(ctx, system, prompt+strictJSONRetry)
	total := Usage{
		InputTokens:  usage.InputTokens + usage2.InputTokens,
		OutputTokens: usage.OutputTokens + usage2.OutputTokens,
		CachedTokens: usage.CachedTokens + usage2.CachedTokens,
	}
	if err != nil {
		return total, err
	}
	if err := json.Unmarshal([]byte(ExtractJSON(text2)), out); err != nil {
		return total, fmt.Errorf("response is not valid JSON after retry: %w", err)
	}
	c.cache.Set(CacheKey(system, prompt), text2)
	return total, nil
}

// Model returns the wrapped client's model.
func (c *CachingClient) Model() string { return c.inner.Model() }

// Clear drops all cached completions.
func (c *CachingClient) Clear() { c.cache.Clear() }
