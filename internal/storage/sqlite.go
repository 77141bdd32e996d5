package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the run history database at path
// and ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := requireLocalFilesystem(path, filesystemType); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; batches are serial anyway.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_log (
  id               TEXT PRIMARY KEY,
  command          TEXT NOT NULL,
  args             JSON NOT NULL DEFAULT '[]',
  working_dir      TEXT,
  stdout_format    TEXT NOT NULL,
  continue_on_fail INTEGER NOT NULL DEFAULT 0,
  fingerprint      TEXT NOT NULL,
  submitted_by     TEXT NOT NULL,
  status           TEXT NOT NULL,
  item_count       INTEGER NOT NULL DEFAULT 0,
  failed_count     INTEGER NOT NULL DEFAULT 0,
  created_at       TEXT NOT NULL,
  completed_at     TEXT,
  last_error       TEXT
);`,
		`CREATE TABLE IF NOT EXISTS item_log (
  run_id       TEXT NOT NULL REFERENCES run_log(id) ON DELETE CASCADE,
  item_index   INTEGER NOT NULL,
  status       TEXT NOT NULL,
  kind         TEXT,
  exit_code    INTEGER,
  duration_ms  INTEGER NOT NULL,
  input        JSON,
  output       JSON,
  last_error   TEXT,
  stderr       TEXT,
  completed_at TEXT NOT NULL,
  PRIMARY KEY (run_id, item_index)
);`,
		`CREATE INDEX IF NOT EXISTS run_log_created_at_idx ON run_log(created_at);`,
		`CREATE INDEX IF NOT EXISTS run_log_fingerprint_idx ON run_log(fingerprint);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
