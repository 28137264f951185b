package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeforge/pipeline-core/internal/breaker"
	"github.com/codeforge/pipeline-core/internal/checkpoint"
	"github.com/codeforge/pipeline-core/internal/events"
	"github.com/codeforge/pipeline-core/internal/health"
	"github.com/codeforge/pipeline-core/internal/pool"
	"github.com/codeforge/pipeline-core/internal/ratelimit"
	"github.com/codeforge/pipeline-core/internal/storage"
	"github.com/codeforge/pipeline-core/internal/storage/memory"
	"github.com/codeforge/pipeline-core/internal/sysmonitor"
	"github.com/codeforge/pipeline-core/internal/telemetry"
)

func testRouter(t *testing.T) (*http.ServeMux, storage.Store, *pool.Manager) {
	t.Helper()

	store := memory.New()
	breakers := breaker.NewRegistry()
	limiters := ratelimit.NewRegistry()
	sysMon := sysmonitor.New(sysmonitor.Config{}, nil, func(sysmonitor.Alert) {})
	poolMgr := pool.NewManager(4, breakers, limiters, sysMon, pool.ScalingConfig{}, nil, func(string, string, map[string]any) {})
	require.NoError(t, poolMgr.RegisterStage(pool.StageDescriptor{Name: "file-analysis", Base: 2, Min: 1, Max: 4}))

	healthMon := health.New(health.Config{}, nil, func(string, string, bool) {})
	bus := events.NewBus(nil)
	reg := telemetry.New("pipelinecore_test")

	router := NewRouter(Config{
		Health: healthMon, Pool: poolMgr, Store: store, Bus: bus, Telemetry: reg,
	})

	mux := http.NewServeMux()
	mux.Handle("/", router)
	return mux, store, poolMgr
}

func TestHealthHandler_HealthyWhenNoBreakerOpenAndNoProbes(t *testing.T) {
	router, _, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, false, body["anyBreakerOpen"])
}

func TestPoolStatusHandler_ReportsRegisteredStage(t *testing.T) {
	router, _, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/pool", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var status pool.Status
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&status))
	require.Len(t, status.Stages, 1)
	require.Equal(t, "file-analysis", status.Stages[0].Name)
}

func TestRunStatusHandler_ReportsCheckpointAndOutboxCounts(t *testing.T) {
	router, store, _ := testRouter(t)
	ctx := context.Background()

	_, err := store.CreateCheckpoint(ctx, storage.CheckpointRecord{
		RunID: "run-1", Stage: string(checkpoint.StageFileLoaded), EntityID: "file-1",
	})
	require.NoError(t, err)
	require.NoError(t, store.InsertOutbox(ctx, storage.OutboxRecord{EventType: "job.completed"}))

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/runs/run-1/status", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Equal(t, "run-1", body["runID"])
	checkpoints, ok := body["checkpoints"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 1, checkpoints[string(checkpoint.StageFileLoaded)])
	require.EqualValues(t, 1, body["pendingOutbox"])
}

func TestMetricsEndpoint_ServesPrometheusFormat(t *testing.T) {
	router, _, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Header().Get("Content-Type"), "text/plain")
}
