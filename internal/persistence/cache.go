package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CacheEntry mirrors one row of the agent client's on-disk result cache
// mirror: a stable-hash key pointing at a file under CACHE_DIR, with the
// bookkeeping needed to enforce CACHE_MAX_SIZE_MB and expiry.
type CacheEntry struct {
	Key          string
	Path         string
	SizeBytes    int64
	CreatedAt    time.Time
	LastAccessAt time.Time
	AccessCount  int64
	ExpiresAt    *time.Time
	ContextHash  string
	Confidence   float64
}

// UpsertCacheEntry records or refreshes a cache entry's metadata.
func (s *Store) UpsertCacheEntry(ctx context.Context, e CacheEntry) error {
	now := time.Now().UTC()
	var expiresAt any
	if e.ExpiresAt != nil {
		expiresAt = e.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_metadata (key, path, size_bytes, created_at, last_access_at, access_count, expires_at, context_hash, confidence)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			path = excluded.path, size_bytes = excluded.size_bytes, last_access_at = excluded.last_access_at,
			expires_at = excluded.expires_at, context_hash = excluded.context_hash, confidence = excluded.confidence;
	`, e.Key, e.Path, e.SizeBytes, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), expiresAt, e.ContextHash, e.Confidence)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// TouchCacheEntry bumps the access counter and last-access timestamp on a
// cache hit, used by the eviction policy's least-recently-used ordering.
func (s *Store) TouchCacheEntry(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cache_metadata SET last_access_at = ?, access_count = access_count + 1 WHERE key = ?;
	`, time.Now().UTC().Format(time.RFC3339Nano), key)
	if err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch cache entry rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCacheEntry looks up one cache entry's metadata by key.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (CacheEntry, error) {
	var e CacheEntry
	var createdAt, lastAccessAt string
	var expiresAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT key, path, size_bytes, created_at, last_access_at, access_count, expires_at, context_hash, confidence
		FROM cache_metadata WHERE key = ?;
	`, key).Scan(&e.Key, &e.Path, &e.SizeBytes, &createdAt, &lastAccessAt, &e.AccessCount, &expiresAt, &e.ContextHash, &e.Confidence)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return CacheEntry{}, ErrNotFound
	case err != nil:
		return CacheEntry{}, fmt.Errorf("get cache entry: %w", err)
	}

	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.LastAccessAt, _ = time.Parse(time.RFC3339Nano, lastAccessAt)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		e.ExpiresAt = &t
	}
	return e, nil
}

// TotalCacheSize returns the sum of size_bytes across all cache entries,
// used to enforce CACHE_MAX_SIZE_MB.
func (s *Store) TotalCacheSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM cache_metadata;`).Scan(&total); err != nil {
		return 0, fmt.Errorf("total cache size: %w", err)
	}
	return total.Int64, nil
}

// EvictLRU deletes the least-recently-accessed cache entries until the
// store's total size is at or below maxBytes, returning the evicted keys so
// the caller can remove the backing files.
func (s *Store) EvictLRU(ctx context.Context, maxBytes int64) ([]string, error) {
	total, err := s.TotalCacheSize(ctx)
	if err != nil {
		return nil, err
	}
	if total <= maxBytes {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, size_bytes FROM cache_metadata ORDER BY last_access_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("evict lru query: %w", err)
	}
	defer rows.Close()

	var evicted []string
	for rows.Next() && total > maxBytes {
		var key string
		var size int64
		if err := rows.Scan(&key, &size); err != nil {
			return evicted, fmt.Errorf("evict lru scan: %w", err)
		}
		evicted = append(evicted, key)
		total -= size
	}
	if err := rows.Err(); err != nil {
		return evicted, err
	}
	if len(evicted) == 0 {
		return nil, nil
	}

	for _, key := range evicted {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_metadata WHERE key = ?;`, key); err != nil {
			return evicted, fmt.Errorf("evict lru delete: %w", err)
		}
	}
	return evicted, nil
}

// PurgeExpired deletes cache entries whose expires_at has passed, returning
// the purged keys.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM cache_metadata WHERE expires_at IS NOT NULL AND expires_at <= ?;
	`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("purge expired query: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("purge expired scan: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_metadata WHERE key = ?;`, k); err != nil {
			return keys, fmt.Errorf("purge expired delete: %w", err)
		}
	}
	return keys, nil
}
