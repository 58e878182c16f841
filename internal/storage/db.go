package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the peer's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at dbPath.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets the viewer read history while a call log is written.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _call_logs (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			caller_id       TEXT NOT NULL,
			callee_id       TEXT NOT NULL,
			call_type       TEXT NOT NULL,
			status          TEXT NOT NULL,
			started_at      INTEGER NOT NULL,
			ended_at        INTEGER NOT NULL,
			duration_ms     INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS _call_logs_conv ON _call_logs (conversation_id, started_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call log table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _participants (
			participant_id TEXT PRIMARY KEY,
			last_call_type TEXT DEFAULT '',
			last_reason    TEXT DEFAULT '',
			calls          INTEGER DEFAULT 0,
			last_seen      INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create participants table: %w", err)
	}

	if _, err := db.Exec(`INSERT OR IGNORE INTO _meta (key, value) VALUES ('schema_version', '1')`); err != nil {
		db.Close()
		return nil, fmt.Errorf("write schema version: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Meta returns a value from the metadata table, or "" if unset.
func (d *DB) Meta(key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
