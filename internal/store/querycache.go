package store

import (
	"fmt"
	"time"

	"docsense/internal/logging"
)

// =============================================================================
// QUERY CACHE (persisted)
// =============================================================================
//
// The retrieval engine caches responses in memory per process; this table
// carries them across CLI invocations. Rows are keyed by the normalized
// plan cache key and dropped wholesale whenever a field value changes.

// GetCachedResponse returns the serialized response for a cache key, or
// (nil, false) when absent or expired. Expired rows are purged lazily.
func (s *Store) GetCachedResponse(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var response string
	var expiresAt time.Time
	err := s.db.QueryRow(
		"SELECT response, expires_at FROM query_cache WHERE cache_key = ?", key,
	).Scan(&response, &expiresAt)
	if err != nil {
		return nil, false
	}
	if time.Now().After(expiresAt) {
		_, _ = s.db.Exec("DELETE FROM query_cache WHERE cache_key = ?", key)
		return nil, false
	}
	return []byte(response), true
}

// PutCachedResponse writes one cached response, replacing any previous row
// for the same key.
func (s *Store) PutCachedResponse(key, queryID string, response []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO query_cache (cache_key, query_id, response, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET query_id = excluded.query_id,
		     response = excluded.response, expires_at = excluded.expires_at`,
		key, queryID, string(response), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("cache response: %w", err)
	}
	return nil
}

// ClearCachedResponses drops every cached response.
func (s *Store) ClearCachedResponses() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM query_cache")
	if err != nil {
		return fmt.Errorf("clear query cache: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.StoreDebug("Dropped %d cached query responses", n)
	}
	return nil
}
