// Package adminapi exposes the operator-facing HTTP surface for the
// worker-pool/job-orchestration core: health, per-run status, Prometheus
// metrics, a live event stream, and Swagger docs. Grounded on the
// teacher's internal/api.NewRouter (gorilla/mux subrouters, a global
// middleware stack, a documentation subrouter serving swaggo) and
// cmd/server/handlers/silence_ws.go's WebSocket hub, both carried over
// onto a narrower, job/checkpoint-shaped surface instead of the
// teacher's alert-publishing one.
package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/codeforge/pipeline-core/internal/checkpoint"
	"github.com/codeforge/pipeline-core/internal/events"
	"github.com/codeforge/pipeline-core/internal/health"
	"github.com/codeforge/pipeline-core/internal/jobqueue"
	"github.com/codeforge/pipeline-core/internal/pool"
	"github.com/codeforge/pipeline-core/internal/storage"
	"github.com/codeforge/pipeline-core/internal/telemetry"
)

// Config bundles the already-constructed collaborators the router reads
// from. It never mutates or drives any of them — cmd/pipelinectl owns
// their lifecycle.
type Config struct {
	Logger    *slog.Logger
	Health    *health.Monitor
	Pool      *pool.Manager
	Store     storage.Store
	Jobs      *jobqueue.Manager
	Bus       *events.Bus
	Telemetry *telemetry.Registry
}

// NewRouter builds the admin API surface.
//
// @title Pipeline Core Admin API
// @version 1.0.0
// @description Operator-facing health, status, and metrics surface for the worker-pool/job-orchestration core.
// @BasePath /admin/v1
// @schemes http
func NewRouter(cfg Config) *mux.Router {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware(cfg.Logger))

	admin := router.PathPrefix("/admin/v1").Subrouter()
	admin.HandleFunc("/health", healthHandler(cfg)).Methods(http.MethodGet)
	admin.HandleFunc("/pool", poolStatusHandler(cfg)).Methods(http.MethodGet)
	admin.HandleFunc("/runs/{runID}/status", runStatusHandler(cfg)).Methods(http.MethodGet)

	hub := newEventHub(cfg.Logger)
	if cfg.Bus != nil {
		cfg.Bus.Subscribe("", hub.enqueue)
	}
	admin.HandleFunc("/events", hub.serveWS)

	if cfg.Telemetry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Telemetry.Gatherer(), promhttp.HandlerOpts{}))
	}

	router.PathPrefix("/admin/v1/docs").Handler(httpSwagger.WrapHandler)

	return router
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", requestIDFrom(r))
		next.ServeHTTP(w, r)
	})
}

func requestIDFrom(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return time.Now().UTC().Format("20060102T150405.000000000")
}

func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("adminapi: request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// healthHandler reports the health monitor's aggregate view plus
// breaker state, per spec.md §4.10's "global health" rollup.
//
// @Summary Aggregate health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /admin/v1/health [get]
func healthHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := cfg.Pool.GetStatus()
		anyOpen := false
		for _, st := range status.Stages {
			if st.Breaker.State.String() == "open" {
				anyOpen = true
				break
			}
		}

		probesHealthy := true
		var probes []health.Status
		if cfg.Health != nil {
			probes = cfg.Health.Snapshot()
			probesHealthy = cfg.Health.AllHealthy()
		}

		degraded := anyOpen || !probesHealthy
		code := http.StatusOK
		if degraded {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":           map[bool]string{true: "degraded", false: "healthy"}[degraded],
			"globalSlotsInUse": status.GlobalInUse,
			"globalCapacity":   status.GlobalCapacity,
			"anyBreakerOpen":   anyOpen,
			"probes":           probes,
		})
	}
}

// poolStatusHandler reports C5/C6's per-stage occupancy, breaker state,
// and remaining rate-limit tokens.
//
// @Summary Worker-pool status
// @Produce json
// @Success 200 {object} pool.Status
// @Router /admin/v1/pool [get]
func poolStatusHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cfg.Pool.GetStatus())
	}
}

// runStatusHandler reports one run's checkpoint progression and pending
// outbox backlog.
//
// @Summary Run status
// @Produce json
// @Param runID path string true "Run identifier"
// @Success 200 {object} map[string]interface{}
// @Router /admin/v1/runs/{runID}/status [get]
func runStatusHandler(cfg Config) http.HandlerFunc {
	stages := []checkpoint.Stage{
		checkpoint.StageFileLoaded, checkpoint.StageEntitiesExtracted,
		checkpoint.StageRelationshipsBuilt, checkpoint.StageNeo4jStored, checkpoint.StagePipelineComplete,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		runID := mux.Vars(r)["runID"]
		ctx := r.Context()

		counts := make(map[string]int, len(stages))
		for _, stage := range stages {
			rows, err := cfg.Store.GetCheckpointsByRunStage(ctx, runID, string(stage))
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			counts[string(stage)] = len(rows)
		}

		pending, err := cfg.Store.PendingOutboxCount(ctx)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"runID":         runID,
			"checkpoints":   counts,
			"pendingOutbox": pending,
		})
	}
}
