// Package sqlite implements internal/storage.Store on top of a local
// SQLite file, grounded on the teacher's internal/storage/sqlite
// package: WAL journal mode, foreign keys on, 0600 file permission, and
// a directory-traversal guard on the configured path.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codeforge/pipeline-core/internal/storage"
)

// Store is a storage.Store backed by *sql.DB against modernc.org/sqlite.
// SQLite allows only one writer at a time; SetMaxOpenConns(1) makes the
// standard library serialize access rather than surface
// "database is locked" errors under concurrent callers, matching the
// teacher's own single-writer discipline (enforced there with an
// explicit sync.RWMutex around a *sql.DB it also limited to one
// connection).
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// New validates path and opens (without yet connecting) a SQLite store.
func New(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path must not be empty")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("sqlite: path must not contain '..': %s", path)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}, nil
}

// Connect opens the database file, applies pragmas, and ensures the
// schema exists.
func (s *Store) Connect(ctx context.Context) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("sqlite: ping: %w", err)
	}

	if err := os.Chmod(s.path, 0o600); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("sqlite: failed to restrict file permissions", "path", s.path, "error", err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return fmt.Errorf("sqlite: init schema: %w", err)
	}

	s.db = db
	s.logger.Info("sqlite: connected", "path", s.path)
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Health(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("sqlite: not connected")
	}
	return s.db.PingContext(ctx)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	queue_name TEXT NOT NULL,
	stage TEXT NOT NULL,
	entity_key TEXT NOT NULL,
	payload BLOB,
	state TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 5,
	attempts INTEGER NOT NULL DEFAULT 0,
	available_at TIMESTAMP NOT NULL,
	lease_owner TEXT,
	lease_expires_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_queue_state ON jobs(queue_name, state, available_at);
CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id);

CREATE TABLE IF NOT EXISTS outbox (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload BLOB,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at TIMESTAMP NOT NULL,
	published_at TIMESTAMP,
	claimed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox(status, created_at);
CREATE INDEX IF NOT EXISTS idx_outbox_run ON outbox(run_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	status TEXT NOT NULL,
	metadata_json BLOB,
	validation_json BLOB,
	error TEXT,
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	failed_at TIMESTAMP,
	UNIQUE(run_id, stage, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id);
CREATE INDEX IF NOT EXISTS idx_checkpoints_stage ON checkpoints(stage);
CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);
`

var _ storage.Store = (*Store)(nil)

func nowUTC() time.Time { return time.Now().UTC() }
