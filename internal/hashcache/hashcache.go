// Package hashcache persists two small pieces of state across process
// restarts that the in-memory components (internal/retry's Budget,
// internal/upstream's daily request counter) deliberately do not: a
// path/size/mtime -> SHA-256 cache so resuming a large batch doesn't
// re-hash every untouched video, and a generic windowed counter table a
// restart-surviving retry budget or daily quota counter can be layered on
// top of. Schema is managed by goose migrations embedded at build time.
package hashcache

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/pressly/goose/v3"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/vidlesson/lessonbatch/internal/statestore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Cache wraps a SQLite connection pooling file hashes and windowed
// counters. A single Cache is safe for concurrent use across workers: the
// underlying *sql.DB pools connections and SQLite's own locking serializes
// writers.
type Cache struct {
	db    *sql.DB
	group singleflight.Group
	now   func() time.Time
}

// Open opens (creating if necessary) the SQLite database at path, applying
// the teacher's WAL/cache pragmas, and brings the schema up to date via
// goose.
func Open(path string) (*Cache, error) {
	params := url.Values{}
	params.Add("_pragma", "foreign_keys(on)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "cache_size(-8000)")

	dsn := fmt.Sprintf("file:%s?%s", path, params.Encode())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("hashcache: open %s: %w", path, err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("hashcache: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("hashcache: migrate: %w", err)
	}

	return &Cache{db: db, now: time.Now}, nil
}

// Close closes the underlying connection pool.
func (c *Cache) Close() error {
	return c.db.Close()
}

// HashFile returns path's SHA-256, serving a cached value when the file's
// size and mtime haven't changed since it was last hashed, and
// deduplicating concurrent callers asking about the same path.
func (c *Cache) HashFile(ctx context.Context, path string) (string, error) {
	v, err, _ := c.group.Do(path, func() (any, error) {
		return c.hashFileLocked(ctx, path)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) hashFileLocked(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("hashcache: stat %s: %w", path, err)
	}
	size := info.Size()
	mtime := info.ModTime().Unix()

	var cached string
	var cachedSize, cachedMtime int64
	row := c.db.QueryRowContext(ctx, `SELECT size_bytes, mtime_unix, sha256 FROM file_hashes WHERE path = ?`, path)
	switch err := row.Scan(&cachedSize, &cachedMtime, &cached); {
	case err == nil:
		if cachedSize == size && cachedMtime == mtime {
			return cached, nil
		}
	case err != sql.ErrNoRows:
		return "", fmt.Errorf("hashcache: query %s: %w", path, err)
	}

	sum, err := statestore.HashFile(path)
	if err != nil {
		return "", err
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO file_hashes (path, size_bytes, mtime_unix, sha256, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size_bytes = excluded.size_bytes,
			mtime_unix = excluded.mtime_unix,
			sha256 = excluded.sha256,
			updated_at = excluded.updated_at
	`, path, size, mtime, sum, c.now().Unix())
	if err != nil {
		return "", fmt.Errorf("hashcache: store %s: %w", path, err)
	}

	return sum, nil
}

// windowStart floors t to the start of its windowDur-sized bucket.
func windowStart(t time.Time, windowDur time.Duration) time.Time {
	return t.Truncate(windowDur)
}

// IncrementCounter increments counterKey's count in the window containing
// now and returns the updated count for that window. The counts persist in
// the SQLite file; internal/retry and internal/upstream keep their own
// counters in memory and do not call it.
func (c *Cache) IncrementCounter(ctx context.Context, counterKey string, windowDur time.Duration) (int, error) {
	ws := windowStart(c.now(), windowDur).Unix()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO quota_counters (counter_key, window_start, count)
		VALUES (?, ?, 1)
		ON CONFLICT(counter_key, window_start) DO UPDATE SET count = count + 1
	`, counterKey, ws)
	if err != nil {
		return 0, fmt.Errorf("hashcache: increment %s: %w", counterKey, err)
	}

	return c.GetCounter(ctx, counterKey, windowDur)
}

// GetCounter returns counterKey's count in the window containing now
// without incrementing it.
func (c *Cache) GetCounter(ctx context.Context, counterKey string, windowDur time.Duration) (int, error) {
	ws := windowStart(c.now(), windowDur).Unix()

	var count int
	row := c.db.QueryRowContext(ctx, `SELECT count FROM quota_counters WHERE counter_key = ? AND window_start = ?`, counterKey, ws)
	switch err := row.Scan(&count); {
	case err == nil:
		return count, nil
	case err == sql.ErrNoRows:
		return 0, nil
	default:
		return 0, fmt.Errorf("hashcache: get counter %s: %w", counterKey, err)
	}
}
