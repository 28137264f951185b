package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeforge/pipeline-core/internal/breaker"
	"github.com/codeforge/pipeline-core/internal/ratelimit"
)

func newTestManager(t *testing.T, globalCap int) (*Manager, *breaker.Registry, *ratelimit.Registry) {
	t.Helper()
	breakers := breaker.NewRegistry()
	limiters := ratelimit.NewRegistry()
	m := NewManager(globalCap, breakers, limiters, nil, ScalingConfig{}, nil, nil)
	return m, breakers, limiters
}

func TestExecuteWithManagementSucceeds(t *testing.T) {
	m, breakers, limiters := newTestManager(t, 2)
	breakers.Register("file-analysis", breaker.Config{}, nil, nil)
	require.NoError(t, limiters.Register("file-analysis", ratelimit.Config{Capacity: 10, RefillPerSecond: 10}))
	require.NoError(t, m.RegisterStage(StageDescriptor{Name: "file-analysis", Base: 1, Min: 1, Max: 2}))

	called := false
	err := m.ExecuteWithManagement(context.Background(), "file-analysis", func(ctx context.Context) error {
		called = true
		return nil
	}, nil)
	require.NoError(t, err)
	require.True(t, called)
}

func TestExecuteWithManagementRejectsUnknownStage(t *testing.T) {
	m, _, _ := newTestManager(t, 2)
	err := m.ExecuteWithManagement(context.Background(), "bogus", func(ctx context.Context) error { return nil }, nil)
	require.ErrorIs(t, err, ErrUnknownStage)
}

func TestExecuteWithManagementRetriesThenExhausts(t *testing.T) {
	m, breakers, _ := newTestManager(t, 2)
	breakers.Register("stage", breaker.Config{FailureThreshold: 100}, nil, nil)
	require.NoError(t, m.RegisterStage(StageDescriptor{Name: "stage", Base: 1, Min: 1, Max: 1, RetryAttempts: 2, RetryDelay: time.Millisecond}))

	var attempts int32
	err := m.ExecuteWithManagement(context.Background(), "stage", func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("boom")
	}, nil)
	require.ErrorIs(t, err, ErrTransient)
	require.EqualValues(t, 3, attempts) // initial attempt + 2 retries
}

func TestExecuteWithManagementRespectsBreakerTrip(t *testing.T) {
	m, breakers, _ := newTestManager(t, 2)
	breakers.Register("stage", breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour}, nil, nil)
	require.NoError(t, m.RegisterStage(StageDescriptor{Name: "stage", Base: 1, Min: 1, Max: 1}))

	err := m.ExecuteWithManagement(context.Background(), "stage", func(ctx context.Context) error { return errors.New("boom") }, nil)
	require.Error(t, err)

	var calls int32
	err = m.ExecuteWithManagement(context.Background(), "stage", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, nil)
	require.ErrorIs(t, err, breaker.ErrTripped)
	require.EqualValues(t, 0, calls, "breaker open means op never runs, and the attempt isn't retried")
}

func TestRegisterStageRejectsCapacityOverflow(t *testing.T) {
	m, _, _ := newTestManager(t, 2)
	require.NoError(t, m.RegisterStage(StageDescriptor{Name: "a", Base: 2, Min: 1, Max: 2}))
	err := m.RegisterStage(StageDescriptor{Name: "b", Base: 1, Min: 1, Max: 1})
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestUpdateConcurrencyClampsToRange(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	require.NoError(t, m.RegisterStage(StageDescriptor{Name: "a", Base: 2, Min: 1, Max: 4}))

	require.NoError(t, m.UpdateConcurrency("a", 99, "test"))
	st, _ := m.stage("a")
	require.Equal(t, 4, st.curConc)

	require.NoError(t, m.UpdateConcurrency("a", -5, "test"))
	st, _ = m.stage("a")
	require.Equal(t, 1, st.curConc)
}

func TestUpdateConcurrencyRejectsGlobalOverflow(t *testing.T) {
	m, _, _ := newTestManager(t, 3)
	require.NoError(t, m.RegisterStage(StageDescriptor{Name: "a", Base: 1, Min: 1, Max: 3}))
	require.NoError(t, m.RegisterStage(StageDescriptor{Name: "b", Base: 1, Min: 1, Max: 3}))

	err := m.UpdateConcurrency("a", 3, "test")
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestSetForcedTotalDistributesByPriorityWhenBelowStageCount(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	require.NoError(t, m.RegisterStage(StageDescriptor{Name: "low", Base: 1, Min: 1, Max: 5, Priority: 1}))
	require.NoError(t, m.RegisterStage(StageDescriptor{Name: "high", Base: 1, Min: 1, Max: 5, Priority: 10}))

	m.SetForcedTotal(1)

	high, _ := m.stage("high")
	low, _ := m.stage("low")
	require.Equal(t, 1, high.curConc)
	require.Equal(t, 0, low.curConc)
}

func TestSetForcedTotalDistributesRemainderToHigherPriority(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	require.NoError(t, m.RegisterStage(StageDescriptor{Name: "low", Base: 1, Min: 1, Max: 5, Priority: 1}))
	require.NoError(t, m.RegisterStage(StageDescriptor{Name: "high", Base: 1, Min: 1, Max: 5, Priority: 10}))

	m.SetForcedTotal(3)

	high, _ := m.stage("high")
	low, _ := m.stage("low")
	require.Equal(t, 2, high.curConc)
	require.Equal(t, 1, low.curConc)
}

func TestAdaptiveScalingBypassedWhenForced(t *testing.T) {
	m, _, _ := newTestManager(t, 10)
	require.NoError(t, m.RegisterStage(StageDescriptor{Name: "a", Base: 2, Min: 1, Max: 4}))
	m.SetForcedTotal(1)

	m.adaptOnce() // should no-op because forced is set; monitor is nil so it would panic if reached
	st, _ := m.stage("a")
	require.Equal(t, 1, st.curConc)
}

func TestShutdownRejectsNewExecutionsImmediately(t *testing.T) {
	m, breakers, _ := newTestManager(t, 2)
	breakers.Register("a", breaker.Config{}, nil, nil)
	require.NoError(t, m.RegisterStage(StageDescriptor{Name: "a", Base: 1, Min: 1, Max: 1}))

	m.Shutdown(time.Second)

	err := m.ExecuteWithManagement(context.Background(), "a", func(ctx context.Context) error { return nil }, nil)
	require.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownCancelsInFlightAfterTimeout(t *testing.T) {
	m, breakers, _ := newTestManager(t, 2)
	breakers.Register("a", breaker.Config{}, nil, nil)
	require.NoError(t, m.RegisterStage(StageDescriptor{Name: "a", Base: 1, Min: 1, Max: 1, JobTimeout: time.Minute}))

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.ExecuteWithManagement(context.Background(), "a", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}, nil)
	}()

	<-started
	m.Shutdown(20 * time.Millisecond)

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("execution did not return after shutdown cancellation")
	}
}
