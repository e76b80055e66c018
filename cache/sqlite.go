package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteCache is a single-file ResultCache, suited to development and
// single-process workflows that want cache persistence across restarts
// without standing up a database server.
//
// It opens the database in WAL mode with a single connection, since
// SQLite supports only one writer at a time; because the pool holds one
// connection, every statement, reads included, waits for that
// connection, so concurrent Get calls run one at a time.
type SQLiteCache struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteCache opens (and migrates, if necessary) a SQLite-backed
// cache at path. Use ":memory:" for an ephemeral cache useful in tests.
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("cache: %s: %w", pragma, err)
		}
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS result_cache (
			node_name TEXT NOT NULL,
			cache_key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (node_name, cache_key)
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: create table: %w", err)
	}

	return &SQLiteCache{db: db}, nil
}

func (c *SQLiteCache) Get(ctx context.Context, nodeName, key string) (string, bool, error) {
	var value string
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM result_cache WHERE node_name = ? AND cache_key = ?`,
		nodeName, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: get: %w", err)
	}
	return value, true, nil
}

func (c *SQLiteCache) Set(ctx context.Context, nodeName, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO result_cache (node_name, cache_key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(node_name, cache_key) DO UPDATE SET value = excluded.value
	`, nodeName, key, value)
	if err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Clear(ctx context.Context, nodeName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `DELETE FROM result_cache WHERE node_name = ?`, nodeName)
	if err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
