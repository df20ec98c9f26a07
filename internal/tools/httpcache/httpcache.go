// Package httpcache is the SQLite-backed response cache behind the
// http.get tool. Entries expire by age on read; nothing is evicted on
// write, so a stale row is simply overwritten the next time its URL is
// fetched.
package httpcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// DefaultTTL is how long a cached response stays fresh.
const DefaultTTL = time.Hour

// Config contains configuration for the cache.
type Config struct {
	Path string        // SQLite database file; empty means in-memory
	TTL  time.Duration // Freshness window; zero means DefaultTTL
}

// Entry is one cached response.
type Entry struct {
	URL      string
	Status   int
	Text     string
	StoredTS float64
}

// Cache stores HTTP responses keyed by URL. Writers are serialized;
// reads go straight to the database.
type Cache struct {
	db  *sql.DB
	mu  sync.Mutex
	ttl float64
}

// New opens (or creates) the cache database.
func New(cfg Config) (*Cache, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	c := &Cache{db: db, ttl: cfg.TTL.Seconds()}
	if err := c.init(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) init() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS http_cache (
			url TEXT PRIMARY KEY,
			status INTEGER NOT NULL,
			text TEXT NOT NULL,
			stored_ts REAL NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create http_cache table: %w", err)
	}
	return nil
}

// Get returns the fresh entry for url, if any.
func (c *Cache) Get(ctx context.Context, url string) (Entry, bool, error) {
	return c.GetAt(ctx, url, nowTS())
}

// GetAt is Get with an explicit clock, for tests.
func (c *Cache) GetAt(ctx context.Context, url string, now float64) (Entry, bool, error) {
	var e Entry
	e.URL = url
	err := c.db.QueryRowContext(ctx,
		"SELECT status, text, stored_ts FROM http_cache WHERE url = ?", url,
	).Scan(&e.Status, &e.Text, &e.StoredTS)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read cache entry: %w", err)
	}
	if now-e.StoredTS > c.ttl {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Put stores a response, replacing any previous entry for the URL.
func (c *Cache) Put(ctx context.Context, url string, status int, text string) error {
	return c.PutAt(ctx, url, status, text, nowTS())
}

// PutAt is Put with an explicit clock, for tests.
func (c *Cache) PutAt(ctx context.Context, url string, status int, text string, ts float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache write: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO http_cache (url, status, text, stored_ts) VALUES (?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			status = excluded.status,
			text = excluded.text,
			stored_ts = excluded.stored_ts
	`, url, status, text, ts); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return tx.Commit()
}

// Close releases the database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

func nowTS() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
