package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"lazytuner/work/logger"
)

// DB wraps the sql.DB handle for the blocked-feeds store. The daemon
// keeps almost everything in memory; SQLite only records feeds that
// failed terminally so geo/auth rejections survive restarts instead of
// being re-negotiated every cycle.
type DB struct {
	*sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS blocked_feeds (
	game_id   TEXT NOT NULL,
	feed_tag  TEXT NOT NULL,
	reason    TEXT NOT NULL,
	marked_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (game_id, feed_tag)
);
`

// Open creates the database connection with WAL mode and applies the
// schema. The parent directory is created when missing.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Debug("{database - Open} SQLite store opened at %s (WAL mode)", path)
	return &DB{DB: db}, nil
}
