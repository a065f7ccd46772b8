package verify

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// ResultCache persists computed digests keyed by (path, size, mtime) so an
// unchanged file is never re-hashed across runs.
type ResultCache struct {
	db *sql.DB
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS hash_results (
	path   TEXT    NOT NULL,
	size   INTEGER NOT NULL,
	mtime  INTEGER NOT NULL,
	digest TEXT    NOT NULL,
	PRIMARY KEY (path, size, mtime)
);`

// OpenResultCache opens (and bootstraps) the cache database at path.
func OpenResultCache(ctx context.Context, path string) (*ResultCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open verify cache %s", path)
	}
	if _, err := db.ExecContext(ctx, cacheSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "bootstrap verify cache schema")
	}
	return &ResultCache{db: db}, nil
}

// Get returns the cached digest for an unchanged file, or "" on a miss.
func (c *ResultCache) Get(ctx context.Context, path string, size, mtime int64) (string, error) {
	if c == nil {
		return "", nil
	}
	var digest string
	err := c.db.QueryRowContext(ctx,
		`SELECT digest FROM hash_results WHERE path = ? AND size = ? AND mtime = ?`,
		path, size, mtime).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "query verify cache for %s", path)
	}
	return digest, nil
}

// Put stores a freshly computed digest, replacing any stale row for path.
func (c *ResultCache) Put(ctx context.Context, path string, size, mtime int64, digest string) error {
	if c == nil {
		return nil
	}
	// A file rewritten in place leaves rows for old (size, mtime) pairs;
	// clear them so the table tracks one row per path.
	if _, err := c.db.ExecContext(ctx, `DELETE FROM hash_results WHERE path = ?`, path); err != nil {
		return errors.Wrapf(err, "evict stale verify cache rows for %s", path)
	}
	if _, err := c.db.ExecContext(ctx,
		`INSERT INTO hash_results (path, size, mtime, digest) VALUES (?, ?, ?, ?)`,
		path, size, mtime, digest); err != nil {
		return errors.Wrapf(err, "store verify cache row for %s", path)
	}
	return nil
}

// Close releases the database handle.
func (c *ResultCache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}
