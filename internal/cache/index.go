package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// Entry is one cached dataset file tracked by the index.
type Entry struct {
	Key       string    `json:"key"`
	SourceID  string    `json:"source_id"`
	StateFIPS string    `json:"state_fips,omitempty"`
	URL       string    `json:"url"`
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	SizeBytes int64     `json:"size_bytes"`
	ETag      string    `json:"etag,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Fresh reports whether the entry is still within its TTL at the given time.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Index persists cache entries in SQLite so downloads survive restarts.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) the cache index at the given path and
// configures WAL mode.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "cache: open index")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "cache: exec %s", pragma)
		}
	}

	idx := &Index{db: db}
	if err := idx.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

const indexMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	source_id  TEXT NOT NULL,
	state_fips TEXT NOT NULL DEFAULT '',
	url        TEXT NOT NULL,
	path       TEXT NOT NULL,
	checksum   TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	etag       TEXT NOT NULL DEFAULT '',
	fetched_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_source ON cache_entries(source_id);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
`

func (i *Index) migrate(ctx context.Context) error {
	_, err := i.db.ExecContext(ctx, indexMigration)
	return eris.Wrap(err, "cache: migrate index")
}

// Close closes the underlying database.
func (i *Index) Close() error {
	return i.db.Close()
}

// Get returns the entry for key, or nil if absent.
func (i *Index) Get(ctx context.Context, key string) (*Entry, error) {
	row := i.db.QueryRowContext(ctx,
		`SELECT key, source_id, state_fips, url, path, checksum, size_bytes, etag, fetched_at, expires_at
		 FROM cache_entries WHERE key = ?`,
		key,
	)

	var e Entry
	err := row.Scan(&e.Key, &e.SourceID, &e.StateFIPS, &e.URL, &e.Path,
		&e.Checksum, &e.SizeBytes, &e.ETag, &e.FetchedAt, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "cache: get entry %s", key)
	}
	return &e, nil
}

// Put inserts or replaces an entry.
func (i *Index) Put(ctx context.Context, e Entry) error {
	_, err := i.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries
		 (key, source_id, state_fips, url, path, checksum, size_bytes, etag, fetched_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key, e.SourceID, e.StateFIPS, e.URL, e.Path,
		e.Checksum, e.SizeBytes, e.ETag, e.FetchedAt.UTC(), e.ExpiresAt.UTC(),
	)
	return eris.Wrapf(err, "cache: put entry %s", e.Key)
}

// Touch extends an entry's expiry after revalidation without re-download.
func (i *Index) Touch(ctx context.Context, key string, expiresAt time.Time) error {
	_, err := i.db.ExecContext(ctx,
		`UPDATE cache_entries SET expires_at = ? WHERE key = ?`,
		expiresAt.UTC(), key,
	)
	return eris.Wrapf(err, "cache: touch entry %s", key)
}

// Delete removes an entry from the index.
func (i *Index) Delete(ctx context.Context, key string) error {
	_, err := i.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return eris.Wrapf(err, "cache: delete entry %s", key)
}

// Expired returns entries whose TTL elapsed before now.
func (i *Index) Expired(ctx context.Context, now time.Time) ([]Entry, error) {
	rows, err := i.db.QueryContext(ctx,
		`SELECT key, source_id, state_fips, url, path, checksum, size_bytes, etag, fetched_at, expires_at
		 FROM cache_entries WHERE expires_at <= ?`,
		now.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "cache: list expired")
	}
	defer rows.Close() //nolint:errcheck

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.SourceID, &e.StateFIPS, &e.URL, &e.Path,
			&e.Checksum, &e.SizeBytes, &e.ETag, &e.FetchedAt, &e.ExpiresAt); err != nil {
			return nil, eris.Wrap(err, "cache: scan expired entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
