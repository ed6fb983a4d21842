package database

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// New creates a new database connection pool. WAL keeps readers off the
// writer's lock; busy_timeout covers writer contention from the worker pool.
func New(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate runs the SQL statements to set up the state schema: the KV map,
// the job queue, the incident store and the retention audit trail.
func Migrate(db *sql.DB) error {
	const sqlStmt = `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT NOT NULL PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		expires_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT,
		priority TEXT NOT NULL,
		priority_rank INTEGER NOT NULL,
		idempotency_key TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		next_visible_at DATETIME NOT NULL,
		lease_worker TEXT,
		lease_expires_at DATETIME,
		last_error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_fetch ON jobs (state, priority_rank, next_visible_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_idem ON jobs (idempotency_key) WHERE idempotency_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS incidents (
		fingerprint TEXT NOT NULL PRIMARY KEY,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		source TEXT NOT NULL,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		count INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS retention_audit (
		id TEXT NOT NULL PRIMARY KEY,
		summary TEXT NOT NULL,
		deleted INTEGER NOT NULL,
		dry_run INTEGER NOT NULL,
		swept_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(sqlStmt)
	return err
}
