// Package postgres implements internal/storage.Store against PostgreSQL
// through pgx, grounded on the teacher's internal/database/postgres
// package: a pgxpool.Pool wrapped with connection-lifecycle methods and
// a periodic health check.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeforge/pipeline-core/internal/storage"
)

// Config mirrors the teacher's DatabaseConfig fields this module needs.
type Config struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	ConnectTimeout time.Duration
}

// Store is a storage.Store backed by a pgxpool.Pool.
type Store struct {
	cfg    Config
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New returns an unconnected Store; call Connect to open the pool.
func New(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cfg: cfg, logger: logger}
}

func (s *Store) Connect(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if s.cfg.MaxConns > 0 {
		poolCfg.MaxConns = s.cfg.MaxConns
	}
	if s.cfg.MinConns > 0 {
		poolCfg.MinConns = s.cfg.MinConns
	}

	connectCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return fmt.Errorf("postgres: ping: %w", err)
	}

	s.pool = pool
	s.logger.Info("postgres: connected", "max_conns", poolCfg.MaxConns, "min_conns", poolCfg.MinConns)
	return nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Health(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres: not connected")
	}
	return s.pool.Ping(ctx)
}

var _ storage.Store = (*Store)(nil)

func nowUTC() time.Time { return time.Now().UTC() }
