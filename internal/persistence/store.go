// Package persistence is the coordinator's narrow SQLite-backed adapter for
// durable state that must survive a restart: completed task history, the
// promoted knowledge base, and agent-side cache metadata. It implements
// lifecycle.CompletionSink and sharedcontext.PromotionSink.
//
// Grounded on the teacher's persistence.Store: a single *sql.DB behind one
// connection (SQLite tolerates no concurrent writers), WAL journal mode, and
// a schema_migrations ledger gating startup so a binary never runs against a
// schema it doesn't recognize.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "goclaw-coordinator-v1"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("persistence: not found")

// Store is the single owner of the coordinator's SQLite connection.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.goclaw/coordinator.db, used when CoordinatorConfig
// carries no explicit db_path.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".goclaw", "coordinator.db")
}

// Open creates the database file and directory if absent, applies pragmas,
// and runs the schema migration. path="" uses DefaultDBPath.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection, for audit.SetDB and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("configure pragma %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version   INTEGER PRIMARY KEY,
			checksum  TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var existingChecksum string
	err = tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := s.applyMigrationTx(ctx, tx); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("read schema migration ledger: %w", err)
	case existingChecksum != schemaChecksum:
		return fmt.Errorf("schema version %d checksum mismatch: on-disk %q, binary expects %q", schemaVersion, existingChecksum, schemaChecksum)
	}

	return tx.Commit()
}

func (s *Store) applyMigrationTx(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_history (
			task_id       TEXT PRIMARY KEY,
			agent_id      TEXT NOT NULL,
			type          TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			enqueued_at   TEXT NOT NULL,
			completed_at  TEXT NOT NULL,
			duration_secs REAL NOT NULL DEFAULT 0,
			result        TEXT,
			error         TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_history_agent ON task_history(agent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_history_completed_at ON task_history(completed_at);`,

		`CREATE TABLE IF NOT EXISTS knowledge_base (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			category   TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			source     TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_base_category ON knowledge_base(category);`,

		`CREATE TABLE IF NOT EXISTS cache_metadata (
			key            TEXT PRIMARY KEY,
			path           TEXT NOT NULL,
			size_bytes     INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL,
			last_access_at TEXT NOT NULL,
			access_count   INTEGER NOT NULL DEFAULT 0,
			expires_at     TEXT,
			context_hash   TEXT NOT NULL DEFAULT '',
			confidence     REAL NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cache_metadata_last_access ON cache_metadata(last_access_at);`,

		`CREATE TABLE IF NOT EXISTS routing_decisions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id          TEXT NOT NULL,
			selected_agent   TEXT NOT NULL DEFAULT '',
			candidate_scores TEXT NOT NULL DEFAULT '[]',
			recorded_at      TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	return nil
}
