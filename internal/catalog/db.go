// Package catalog implements the local metadata store for the discovery
// engine: assets, relationships, cardinality history, value frequencies,
// phase logs, and column vectors, all in a single SQLite database.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("catalog: not found")

// dbtx is satisfied by both *sql.DB and *sql.Tx so repository methods can
// run standalone or inside a phase transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries bundles every repository operation over one dbtx.
type Queries struct {
	q dbtx
}

// Store is the SQLite-backed catalog store.
type Store struct {
	*Queries
	db        *sql.DB
	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if needed) the catalog database at path. The
// database uses WAL mode with a busy timeout and a single-writer pool.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}

	dsn := path
	if !strings.HasPrefix(path, "file:") {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}

	// SQLite handles concurrency better with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to catalog database: %w", err)
	}

	s := &Store{Queries: &Queries{q: db}, db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("run catalog migrations: %w", err)
	}
	return s, nil
}

// OpenMemory opens a private in-memory catalog, used by tests.
func OpenMemory() (*Store, error) {
	return Open("file::memory:?_pragma=foreign_keys(1)")
}

// Close closes the store. Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// WithTx runs fn inside one transaction. The orchestrator uses this to
// commit each phase atomically.
func (s *Store) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog transaction: %w", err)
	}
	if err := fn(&Queries{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit catalog transaction: %w", err)
	}
	return nil
}

// migrate brings the schema up to date.
func (s *Store) migrate(ctx context.Context) error {
	currentVersion := 0
	row := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta ORDER BY version DESC LIMIT 1`)
	if err := row.Scan(&currentVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isTableNotFoundError(err) {
			currentVersion = 0
		} else {
			return fmt.Errorf("read schema version: %w", err)
		}
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{version: 1, sql: migrationV1},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO schema_meta (version, applied_at_unix_ms) VALUES (?, ?)`,
			m.version, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func isTableNotFoundError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

const migrationV1 = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_meta (
  version INTEGER PRIMARY KEY,
  applied_at_unix_ms INTEGER NOT NULL
);

-- Discovered source tables and views
CREATE TABLE IF NOT EXISTS assets (
  id TEXT PRIMARY KEY,
  qualified_name TEXT NOT NULL UNIQUE,
  asset_kind TEXT NOT NULL,
  table_schema TEXT NOT NULL,
  table_name TEXT NOT NULL,
  columns_json TEXT NOT NULL DEFAULT '[]',
  row_count_estimate INTEGER,

  -- Grain (primary key) discovery state
  primary_key_json TEXT,
  pk_minimal_json TEXT,
  fd_removed_json TEXT,
  grain_status TEXT NOT NULL DEFAULT 'unknown',
  pk_method TEXT,
  grain_discovered_at_unix_ms INTEGER,

  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assets_schema ON assets(table_schema, table_name);
CREATE INDEX IF NOT EXISTS idx_assets_grain ON assets(grain_status);

-- Validated and candidate FK edges
CREATE TABLE IF NOT EXISTS relationships (
  id TEXT PRIMARY KEY,
  parent_asset_id TEXT NOT NULL REFERENCES assets(id),
  referenced_asset_id TEXT NOT NULL REFERENCES assets(id),
  column_mappings_json TEXT NOT NULL,

  cardinality TEXT,
  confidence REAL,
  match_pct REAL,
  orphan_pct REAL,
  sample_pct REAL,
  step_number INTEGER,
  is_validated INTEGER NOT NULL DEFAULT 0,
  pattern_name TEXT,

  discovered_at_unix_ms INTEGER NOT NULL,
  last_validated_at_unix_ms INTEGER,

  UNIQUE(parent_asset_id, referenced_asset_id, column_mappings_json)
);

CREATE INDEX IF NOT EXISTS idx_relationships_parent ON relationships(parent_asset_id);
CREATE INDEX IF NOT EXISTS idx_relationships_referenced ON relationships(referenced_asset_id);

-- Per-column cardinality at each sampled level
CREATE TABLE IF NOT EXISTS column_cardinality (
  id TEXT PRIMARY KEY,
  asset_id TEXT NOT NULL REFERENCES assets(id),
  column_name TEXT NOT NULL,
  sample_pct REAL NOT NULL,
  distinct_count INTEGER NOT NULL,
  selectivity REAL NOT NULL,
  total_rows INTEGER,
  recorded_at_unix_ms INTEGER NOT NULL,
  UNIQUE(asset_id, column_name, sample_pct)
);

CREATE INDEX IF NOT EXISTS idx_cardinality_asset ON column_cardinality(asset_id, column_name);

-- Top-N value frequencies per column (rank 0 = sentinel for empty columns)
CREATE TABLE IF NOT EXISTS column_value_frequencies (
  id TEXT PRIMARY KEY,
  asset_id TEXT NOT NULL REFERENCES assets(id),
  column_name TEXT NOT NULL,
  rank INTEGER NOT NULL,
  value TEXT,
  frequency INTEGER NOT NULL,
  relative_frequency REAL,
  sample_pct REAL NOT NULL,
  recorded_at_unix_ms INTEGER NOT NULL,
  UNIQUE(asset_id, column_name, sample_pct, rank)
);

CREATE INDEX IF NOT EXISTS idx_value_freq_lookup ON column_value_frequencies(asset_id, column_name, rank);

-- Append-only pipeline phase log
CREATE TABLE IF NOT EXISTS phase_logs (
  id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL,
  scope TEXT NOT NULL,
  phase TEXT NOT NULL,
  status TEXT NOT NULL,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  items_processed INTEGER NOT NULL DEFAULT 0,
  items_total INTEGER NOT NULL DEFAULT 0,
  error_detail TEXT,
  logged_at_unix_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_phase_logs_lookup ON phase_logs(scope, phase, status, logged_at_unix_ms DESC);

-- Column embedding vectors (written by the embedding collaborator)
CREATE TABLE IF NOT EXISTS column_vectors (
  id TEXT PRIMARY KEY,
  asset_id TEXT NOT NULL REFERENCES assets(id),
  column_name TEXT NOT NULL,
  dims INTEGER NOT NULL,
  embedding BLOB NOT NULL,
  model TEXT,
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(asset_id, column_name)
);
`
