package cache

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLCache is a ResultCache backed by a shared MySQL/MariaDB server,
// for multi-process deployments that need a cache visible to every
// worker rather than one file per process.
type MySQLCache struct {
	db *sql.DB
}

// NewMySQLCache opens a connection pool against dsn (a
// github.com/go-sql-driver/mysql data source name) and ensures the
// result_cache table exists.
func NewMySQLCache(ctx context.Context, dsn string) (*MySQLCache, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: open mysql: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS result_cache (
			node_name VARCHAR(255) NOT NULL,
			cache_key VARCHAR(255) NOT NULL,
			value LONGTEXT NOT NULL,
			PRIMARY KEY (node_name, cache_key)
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: create table: %w", err)
	}

	return &MySQLCache{db: db}, nil
}

func (c *MySQLCache) Get(ctx context.Context, nodeName, key string) (string, bool, error) {
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

func (c *MySQLCache) Set(ctx context.Context, nodeName, key, value string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO result_cache (node_name, cache_key, value)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE value = VALUES(value)
	`, nodeName, key, value)
	if err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

func (c *MySQLCache) Clear(ctx context.Context, nodeName string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM result_cache WHERE node_name = ?`, nodeName)
	if err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (c *MySQLCache) Close() error {
	return c.db.Close()
}
