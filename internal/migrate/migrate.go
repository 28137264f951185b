// Package migrate runs the module's SQL schema migrations through goose,
// grounded on the teacher's internal/infrastructure/migrations.MigrationManager:
// a thin wrapper around a goose.Provider over the embedded migration files
// plus structured logging of each operation.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

// Runner applies and inspects goose migrations against a single dialect.
type Runner struct {
	db      *sql.DB
	dialect string
	dir     string
	logger  *slog.Logger
}

// Dialect names accepted by New.
const (
	DialectPostgres = "postgres"
)

// New opens its own *sql.DB for DSN (goose requires database/sql, while the
// rest of this module talks to postgres through pgxpool) and wires the
// embedded migrations directory for dialect.
func New(dialect, dsn string, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var driver, dir string
	switch dialect {
	case DialectPostgres:
		driver, dir = "pgx", "postgres"
	default:
		return nil, fmt.Errorf("migrate: unsupported dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("migrate: open: %w", err)
	}
	return &Runner{db: db, dialect: dialect, dir: dir, logger: logger}, nil
}

func (r *Runner) Close() error { return r.db.Close() }

func (r *Runner) provider() (*goose.Provider, error) {
	fsys, err := fs.Sub(postgresFS, r.dir)
	if err != nil {
		return nil, fmt.Errorf("migrate: sub fs: %w", err)
	}
	return goose.NewProvider(goose.DialectPostgres, r.db, fsys)
}

// Up applies every pending migration.
func (r *Runner) Up(ctx context.Context) error {
	start := time.Now()
	p, err := r.provider()
	if err != nil {
		return err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate: up: %w", err)
	}
	r.logger.Info("migrations applied", "count", len(results), "duration", time.Since(start))
	return nil
}

// Down rolls back the most recently applied migration.
func (r *Runner) Down(ctx context.Context) error {
	p, err := r.provider()
	if err != nil {
		return err
	}
	if _, err := p.Down(ctx); err != nil {
		return fmt.Errorf("migrate: down: %w", err)
	}
	r.logger.Info("migration rolled back")
	return nil
}

// Version reports the current schema version.
func (r *Runner) Version(ctx context.Context) (int64, error) {
	p, err := r.provider()
	if err != nil {
		return 0, err
	}
	status, err := p.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("migrate: version: %w", err)
	}
	return status, nil
}

// Status lists every migration known to the provider and whether it has
// been applied.
type Status struct {
	Source    string
	Version   int64
	IsApplied bool
}

func (r *Runner) Status(ctx context.Context) ([]Status, error) {
	p, err := r.provider()
	if err != nil {
		return nil, err
	}
	sources, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate: status: %w", err)
	}
	out := make([]Status, 0, len(sources))
	for _, s := range sources {
		out = append(out, Status{
			Source:    s.Source.Path,
			Version:   s.Source.Version,
			IsApplied: s.State == goose.StateApplied,
		})
	}
	return out, nil
}
