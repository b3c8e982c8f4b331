package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")
)

// New opens a SQLite database connection at the given path.
// It enables WAL journaling and a busy timeout so the queue drainer and a running
// hydration can write bookkeeping concurrently.
func New(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Verify connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate runs database migrations to create the required tables.
// It is idempotent and can be run multiple times safely.
// The client bookkeeping tables and the reference backend's blob tables share one schema;
// each process only touches its own tables.
func Migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			scope_id TEXT NOT NULL,
			partition_id TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			chunk_index INTEGER NOT NULL,
			total_chunks INTEGER NOT NULL,
			data BLOB NOT NULL,
			hash TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			last_attempt INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_timestamp ON queue_items (timestamp);`,
		`CREATE TABLE IF NOT EXISTS hydration_states (
			scope_key TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			last_chunk INTEGER NOT NULL DEFAULT -1,
			total_chunks INTEGER NOT NULL DEFAULT 0,
			latest_ts INTEGER NOT NULL DEFAULT 0,
			errors TEXT NOT NULL DEFAULT '[]',
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS export_cursors (
			scope_id TEXT NOT NULL,
			partition_id TEXT NOT NULL DEFAULT '',
			cursor_key BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (scope_id, partition_id)
		);`,
		`CREATE TABLE IF NOT EXISTS remote_chunks (
			scope_id TEXT NOT NULL,
			partition_id TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			chunk_index INTEGER NOT NULL,
			total_chunks INTEGER NOT NULL,
			data BLOB NOT NULL,
			hash TEXT NOT NULL,
			PRIMARY KEY (scope_id, partition_id, ts, chunk_index, total_chunks)
		);`,
		`CREATE TABLE IF NOT EXISTS remote_manifests (
			scope_id TEXT NOT NULL,
			partition_id TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			manifest TEXT NOT NULL,
			PRIMARY KEY (scope_id, partition_id)
		);`,
		`CREATE TABLE IF NOT EXISTS remote_backups (
			scope_id TEXT PRIMARY KEY,
			backup_id TEXT NOT NULL,
			data BLOB NOT NULL,
			hash TEXT NOT NULL,
			record_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
