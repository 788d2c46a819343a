// Package history provides the SQLite-backed archive of refinement runs.
package history

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id                 TEXT PRIMARY KEY,
	project            TEXT NOT NULL DEFAULT '',
	method             TEXT NOT NULL DEFAULT '',
	state              TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT '',
	error              TEXT NOT NULL DEFAULT '',
	initial_chi_square REAL NOT NULL DEFAULT 0,
	chi_square         REAL NOT NULL DEFAULT 0,
	reduced_chi_square REAL NOT NULL DEFAULT 0,
	points             INTEGER NOT NULL DEFAULT 0,
	iterations         INTEGER NOT NULL DEFAULT 0,
	evaluations        INTEGER NOT NULL DEFAULT 0,
	started_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	finished_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS run_parameters (
	run_id   TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	param_id TEXT NOT NULL,
	value    REAL NOT NULL,
	error    REAL NOT NULL DEFAULT 0,
	free     INTEGER NOT NULL DEFAULT 0,
	UNIQUE(run_id, param_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
CREATE INDEX IF NOT EXISTS idx_run_parameters_run ON run_parameters(run_id);
`

// DB wraps a sql.DB with archive operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
