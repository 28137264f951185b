package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, EnvProduction, cfg.NodeEnv)
	require.Equal(t, 100, cfg.Concurrency.MaxGlobalConcurrency)
	require.Equal(t, 0, cfg.Concurrency.ForceMaxConcurrency)
	require.Equal(t, 85.0, cfg.Monitor.CPUThreshold)
	require.Equal(t, StorageBackendSQLite, cfg.Storage.Backend)
	require.Equal(t, 0.2, cfg.Pipeline.MaxFailureRate)
	require.Equal(t, 3, cfg.Pipeline.RequiredIdleChecks)
	require.Empty(t, cfg.Warnings)
}

func TestLoadBindsDocumentedEnvironmentKeys(t *testing.T) {
	t.Setenv("NODE_ENV", "debug")
	t.Setenv("MAX_GLOBAL_CONCURRENCY", "42")
	t.Setenv("MAX_FILE_ANALYSIS_WORKERS", "7")
	t.Setenv("CPU_THRESHOLD", "75")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, EnvDebug, cfg.NodeEnv)
	require.Equal(t, 42, cfg.Concurrency.MaxGlobalConcurrency)
	require.Equal(t, 7, cfg.Concurrency.StageWorkers["file-analysis"])
	require.Equal(t, 75.0, cfg.Monitor.CPUThreshold)
}

func TestLoadClampsForceMaxConcurrencyAboveCeilingAndWarns(t *testing.T) {
	t.Setenv("FORCE_MAX_CONCURRENCY", "500")
	t.Setenv("MAX_GLOBAL_CONCURRENCY", "100")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, absoluteConcurrencyCeiling, cfg.Concurrency.ForceMaxConcurrency)
	require.Len(t, cfg.Warnings, 1)
	require.Contains(t, cfg.Warnings[0], "FORCE_MAX_CONCURRENCY=500")
}

func TestLoadRejectsOutOfRangeValues(t *testing.T) {
	t.Setenv("MAX_GLOBAL_CONCURRENCY", "0")

	_, err := Load()
	require.Error(t, err)
	require.ErrorContains(t, err, "MaxGlobalConcurrency")
}

func TestLoadRejectsUnknownNodeEnv(t *testing.T) {
	t.Setenv("NODE_ENV", "staging")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsNegativeStageWorkerOverride(t *testing.T) {
	t.Setenv("MAX_VALIDATION_WORKERS", "-1")

	_, err := Load()
	require.Error(t, err)
	require.ErrorContains(t, err, "stage_workers")
}
