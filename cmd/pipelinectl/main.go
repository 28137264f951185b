// Command pipelinectl boots and drives one run of the worker-pool/
// job-orchestration core end to end, grounded on the teacher's
// cmd/server/main.go connect->serve->signal-wait->shutdown shape and
// its internal/infrastructure/migrations/cli.go cobra CLI surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/codeforge/pipeline-core/internal/adminapi"
	"github.com/codeforge/pipeline-core/internal/breaker"
	"github.com/codeforge/pipeline-core/internal/checkpoint"
	"github.com/codeforge/pipeline-core/internal/config"
	"github.com/codeforge/pipeline-core/internal/coordinator"
	"github.com/codeforge/pipeline-core/internal/events"
	"github.com/codeforge/pipeline-core/internal/health"
	"github.com/codeforge/pipeline-core/internal/jobqueue"
	"github.com/codeforge/pipeline-core/internal/migrate"
	"github.com/codeforge/pipeline-core/internal/outbox"
	"github.com/codeforge/pipeline-core/internal/pool"
	"github.com/codeforge/pipeline-core/internal/ratelimit"
	"github.com/codeforge/pipeline-core/internal/rediscoord"
	"github.com/codeforge/pipeline-core/internal/storage"
	"github.com/codeforge/pipeline-core/internal/sysmonitor"
	"github.com/codeforge/pipeline-core/internal/telemetry"
	"github.com/codeforge/pipeline-core/internal/timeoutregistry"
	"github.com/codeforge/pipeline-core/pkg/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipelinectl",
		Short: "Run and inspect the worker-pool/job-orchestration pipeline",
	}
	root.AddCommand(newRunCommand(), newStatusCommand(), newMigrateCommand())
	return root
}

// system bundles every constructed collaborator plus the loaded config,
// so run/status share one assembly path.
type system struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     storage.Store
	deps      coordinator.Deps
	telemetry *telemetry.Registry
}

func bootSystem(ctx context.Context) (*system, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.NewLogger(logger.Config(cfg.Log))
	for _, w := range cfg.Warnings {
		log.Warn("config warning", "detail", w)
	}
	log.Debug("resolved configuration", "config", config.Sanitize(cfg))

	store, err := storage.NewStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if cfg.Storage.Backend == config.StorageBackendPostgres {
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port,
			cfg.Database.Database, cfg.Database.SSLMode)
		runner, err := migrate.New(migrate.DialectPostgres, dsn, log)
		if err != nil {
			return nil, fmt.Errorf("open migration runner: %w", err)
		}
		err = runner.Up(ctx)
		closeErr := runner.Close()
		if err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		if closeErr != nil {
			log.Warn("migration runner close failed", "error", closeErr)
		}
	}

	timeoutProfile := timeoutregistry.ProfileDefault
	switch cfg.NodeEnv {
	case config.EnvTest:
		timeoutProfile = timeoutregistry.ProfileTesting
	case config.EnvDebug:
		timeoutProfile = timeoutregistry.ProfileDebugging
	}
	timeouts, err := timeoutregistry.NewWithProfile(timeoutProfile, nil)
	if err != nil {
		return nil, fmt.Errorf("build timeout registry: %w", err)
	}

	cache := rediscoord.NewDisabled(log)
	if cfg.Redis.URL != "" {
		rc, err := rediscoord.New(ctx, rediscoord.Config{
			URL: cfg.Redis.URL, Password: cfg.Redis.Password, DB: cfg.Redis.DB, PoolSize: cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			log.Warn("redis unavailable, continuing with cache as a local no-op hint", "error", err)
		} else {
			cache = rc
		}
	}

	breakers := breaker.NewRegistry()
	limiters := ratelimit.NewRegistry()

	bus := events.NewBus(log)
	sysMon := sysmonitor.New(sysmonitor.Config{}, log, func(a sysmonitor.Alert) {
		bus.Publish(events.KindSystemAlert, "", map[string]any{"metric": a.Metric, "level": string(a.Level), "value": a.Value})
	})
	healthMon := health.New(health.Config{}, log, func(kind, name string, healthy bool) {
		bus.Publish(events.KindSystemAlert, name, map[string]any{"probe": kind, "healthy": healthy})
	})

	globalCap := cfg.Concurrency.MaxGlobalConcurrency
	if cfg.Concurrency.ForceMaxConcurrency > 0 {
		globalCap = cfg.Concurrency.ForceMaxConcurrency
	}
	poolMgr := pool.NewManager(globalCap, breakers, limiters, sysMon, pool.ScalingConfig{}, log,
		func(kind, stage string, detail map[string]any) { bus.Publish(kind, stage, detail) })

	checkpoints := checkpoint.New(store, cache, checkpoint.Benchmarks{})

	outboxMgr := outbox.New(store, cache, outbox.Config{}, log, func(row storage.OutboxRecord, err error) {
		bus.Publish(events.KindOutboxFailed, "", map[string]any{"eventType": row.EventType, "error": err.Error()})
	})

	jobs := jobqueue.NewManager(store)
	if err := jobs.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect job queue: %w", err)
	}

	deps := coordinator.Deps{
		Store:       store,
		Timeouts:    timeouts,
		Breakers:    breakers,
		Limiters:    limiters,
		SysMonitor:  sysMon,
		Health:      healthMon,
		Pool:        poolMgr,
		Checkpoints: checkpoints,
		Outbox:      outboxMgr,
		Jobs:        jobs,
		Bus:         bus,
		Cache:       cache,
		Logger:      log,
	}

	return &system{cfg: cfg, logger: log, store: store, deps: deps, telemetry: telemetry.New("pipelinecore")}, nil
}

// stageDescriptors builds one pool.StageDescriptor per known stage,
// applying any MAX_<STAGE>_WORKERS override from cfg.Concurrency.
func stageDescriptors(cfg *config.Config) []pool.StageDescriptor {
	out := make([]pool.StageDescriptor, 0, len(config.KnownStages))
	for i, name := range config.KnownStages {
		max := 10
		if v, ok := cfg.Concurrency.StageWorkers[name]; ok && v > 0 {
			max = v
		}
		out = append(out, pool.StageDescriptor{
			Name:     name,
			Priority: len(config.KnownStages) - i,
			Base:     max / 2,
			Min:      1,
			Max:      max,
		})
	}
	return out
}

func newRunCommand() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "run [files...]",
		Short: "Boot the pipeline, seed file-analysis with the given files, and run to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, files []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sys, err := bootSystem(ctx)
			if err != nil {
				return err
			}
			defer sys.store.Close()

			if runID == "" {
				runID = uuid.NewString()
			}

			c, err := coordinator.New(sys.deps, coordinator.Config{
				Stages:             stageDescriptors(sys.cfg),
				Handlers:           coordinator.DefaultStageHandlers(),
				EventRoutes:        coordinator.DefaultEventRoutes(),
				GraphBuilder:       coordinator.DefaultGraphBuilder(sys.deps.Checkpoints),
				RequiredIdleChecks: sys.cfg.Pipeline.RequiredIdleChecks,
				CheckInterval:      time.Duration(sys.cfg.Pipeline.CheckIntervalMillis) * time.Millisecond,
				MaxFailureRate:     sys.cfg.Pipeline.MaxFailureRate,
			})
			if err != nil {
				return fmt.Errorf("wire coordinator: %w", err)
			}

			var adminSrv *http.Server
			if sys.cfg.AdminAPI.Enabled {
				adminapi.BridgeEvents(adminapi.Config{Bus: sys.deps.Bus}, sys.telemetry)
				go adminapi.RunScrapeLoop(ctx, adminapi.Config{
					Pool: sys.deps.Pool, Jobs: sys.deps.Jobs, Store: sys.deps.Store,
				}, sys.telemetry, 10*time.Second)

				adminSrv = &http.Server{
					Addr: sys.cfg.AdminAPI.Addr,
					Handler: adminapi.NewRouter(adminapi.Config{
						Logger: sys.logger, Health: sys.deps.Health, Pool: sys.deps.Pool,
						Store: sys.deps.Store, Jobs: sys.deps.Jobs,
						Bus: sys.deps.Bus, Telemetry: sys.telemetry,
					}),
				}
				go func() {
					if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						sys.logger.Error("admin API server failed", "error", err)
					}
				}()
			}

			started := time.Now()
			c.Boot(ctx)

			if err := c.StartRun(ctx, runID, files); err != nil {
				return fmt.Errorf("start run: %w", err)
			}

			drainErr := c.WaitForDrain(ctx)

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if err := c.Shutdown(shutdownCtx); err != nil {
				sys.logger.Error("shutdown failed", "error", err)
			}
			if adminSrv != nil {
				if err := adminSrv.Shutdown(shutdownCtx); err != nil {
					sys.logger.Warn("admin API shutdown timed out", "error", err)
				}
			}

			if drainErr != nil {
				sys.logger.Error("run aborted before drain completed", "runID", runID, "error", drainErr)
				return fmt.Errorf("run %s: %w", runID, drainErr)
			}

			report, err := c.Finish(context.Background(), runID, started)
			if err != nil {
				return fmt.Errorf("finish run: %w", err)
			}
			if !report.Completed {
				return fmt.Errorf("run %s did not meet completion benchmarks", runID)
			}

			fmt.Printf("run %s completed: %d nodes, %d relationships\n",
				runID, report.Graph.TotalNodes, report.Graph.TotalRelationships)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (defaults to a generated UUID)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print checkpoint and pending-outbox counts for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run-id is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logger.NewLogger(logger.Config(cfg.Log))
			store, err := storage.NewStore(cfg, log)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			ctx := cmd.Context()
			for _, stage := range []checkpoint.Stage{
				checkpoint.StageFileLoaded, checkpoint.StageEntitiesExtracted,
				checkpoint.StageRelationshipsBuilt, checkpoint.StageNeo4jStored, checkpoint.StagePipelineComplete,
			} {
				rows, err := store.GetCheckpointsByRunStage(ctx, runID, string(stage))
				if err != nil {
					return fmt.Errorf("query checkpoints: %w", err)
				}
				fmt.Printf("%-22s %d\n", stage, len(rows))
			}

			pending, err := store.PendingOutboxCount(ctx)
			if err != nil {
				return fmt.Errorf("query outbox: %w", err)
			}
			fmt.Printf("%-22s %d\n", "pendingOutbox", pending)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier to inspect")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	open := func() (*migrate.Runner, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		log := logger.NewLogger(logger.Config(cfg.Log))
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port,
			cfg.Database.Database, cfg.Database.SSLMode)
		return migrate.New(migrate.DialectPostgres, dsn, log)
	}

	root := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the Postgres schema",
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				r, err := open()
				if err != nil {
					return err
				}
				defer r.Close()
				return r.Up(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List every known migration and whether it has been applied",
			RunE: func(cmd *cobra.Command, args []string) error {
				r, err := open()
				if err != nil {
					return err
				}
				defer r.Close()
				statuses, err := r.Status(cmd.Context())
				if err != nil {
					return err
				}
				for _, s := range statuses {
					state := "pending"
					if s.IsApplied {
						state = "applied"
					}
					fmt.Printf("%-8s %4d  %s\n", state, s.Version, s.Source)
				}
				return nil
			},
		},
	)
	return root
}
