package storage

import (
	"fmt"
	"log/slog"

	"github.com/codeforge/pipeline-core/internal/config"
	"github.com/codeforge/pipeline-core/internal/storage/postgres"
	"github.com/codeforge/pipeline-core/internal/storage/sqlite"
)

// NewStore selects and constructs the configured backend, grounded on the
// teacher's deleted internal/storage/factory.go profile-driven selection
// (a single switch over a backend name rather than separate constructors
// sprinkled through callers).
func NewStore(cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendSQLite:
		return sqlite.New(cfg.Storage.SQLitePath, logger)
	case config.StorageBackendPostgres:
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port,
			cfg.Database.Database, cfg.Database.SSLMode)
		store := postgres.New(postgres.Config{
			DSN:            dsn,
			MaxConns:       cfg.Database.MaxConns,
			MinConns:       cfg.Database.MinConns,
			ConnectTimeout: cfg.Database.ConnectTimeout,
		}, logger)
		return store, nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
}
