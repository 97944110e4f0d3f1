package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/finch-ai/finch/pkg/models"
)

// Cache stores provider-fetched data keyed by (provider, key), each entry
// carrying its own expiry. Expired entries are not deleted on read: callers
// may explicitly ask for them when the upstream is down, and such reads are
// flagged stale rather than silently served as fresh.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS provider_cache (
	provider TEXT NOT NULL,
	cache_key TEXT NOT NULL,
	data BLOB NOT NULL,
	cached_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	PRIMARY KEY (provider, cache_key)
);
`

// New creates a Cache with the given database path and default TTL.
func New(dbPath string, ttl time.Duration, opts ...Option) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	c := &Cache{
		db:  db,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Put upserts an entry under the cache's default TTL.
func (c *Cache) Put(ctx context.Context, provider models.Provider, key string, data []byte) error {
	now := c.now()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO provider_cache (provider, cache_key, data, cached_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(provider, cache_key) DO UPDATE SET
		   data = excluded.data,
		   cached_at = excluded.cached_at,
		   expires_at = excluded.expires_at`,
		provider, key, data, now, now.Add(c.ttl),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Get returns a fresh entry, or nothing. Expired entries count as misses
// here; use GetStale to fall back to them deliberately.
func (c *Cache) Get(ctx context.Context, provider models.Provider, key string) (*models.CacheEntry, error) {
	entry, err := c.lookup(ctx, provider, key)
	if err != nil || entry == nil {
		c.misses.Add(1)
		return nil, err
	}
	if entry.Stale {
		c.misses.Add(1)
		return nil, nil
	}
	c.hits.Add(1)
	return entry, nil
}

// GetStale returns an entry even past its expiry, provided it is no older
// than maxAge. The entry's Stale flag tells the caller it is serving stale
// data due to an upstream failure.
func (c *Cache) GetStale(ctx context.Context, provider models.Provider, key string, maxAge time.Duration) (*models.CacheEntry, error) {
	entry, err := c.lookup(ctx, provider, key)
	if err != nil || entry == nil {
		c.misses.Add(1)
		return nil, err
	}
	if c.now().Sub(entry.CachedAt) > maxAge {
		c.misses.Add(1)
		return nil, nil
	}
	c.hits.Add(1)
	return entry, nil
}

func (c *Cache) lookup(ctx context.Context, provider models.Provider, key string) (*models.CacheEntry, error) {
	entry := models.CacheEntry{Provider: provider, Key: key}
	err := c.db.QueryRowContext(ctx,
		`SELECT data, cached_at, expires_at FROM provider_cache
		 WHERE provider = ? AND cache_key = ?`,
		provider, key,
	).Scan(&entry.Data, &entry.CachedAt, &entry.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	entry.Stale = c.now().After(entry.ExpiresAt)
	return &entry, nil
}

// Purge deletes entries whose expiry is older than the cutoff.
func (c *Cache) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM provider_cache WHERE expires_at < ?`, c.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return res.RowsAffected()
}

// Stats reports entry count and hit/miss counters.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var entries int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM provider_cache`).Scan(&entries); err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: entries,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
