package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errDown = errors.New("down")

func TestProbeFlipsUnhealthyAfterThreshold(t *testing.T) {
	m := New(Config{UnhealthyThreshold: 2, RecoveryThreshold: 2}, nil, nil)
	var fail atomic.Bool
	fail.Store(true)
	m.RegisterProbe("db", func(ctx context.Context) error {
		if fail.Load() {
			return errDown
		}
		return nil
	}, nil)

	m.CheckOnce(context.Background())
	require.True(t, m.AllHealthy(), "one failure below threshold stays healthy")

	m.CheckOnce(context.Background())
	require.False(t, m.AllHealthy())
}

func TestProbeRecoversAfterThreshold(t *testing.T) {
	recovered := false
	m := New(Config{UnhealthyThreshold: 1, RecoveryThreshold: 2}, nil, nil)
	var fail atomic.Bool
	fail.Store(true)
	m.RegisterProbe("db", func(ctx context.Context) error {
		if fail.Load() {
			return errDown
		}
		return nil
	}, func(ctx context.Context) { recovered = true })

	m.CheckOnce(context.Background())
	require.False(t, m.AllHealthy())

	fail.Store(false)
	m.CheckOnce(context.Background())
	require.False(t, m.AllHealthy(), "one success below recovery threshold stays unhealthy")

	m.CheckOnce(context.Background())
	require.True(t, m.AllHealthy())
	require.True(t, recovered)
}

func TestEmitsAlertOnlyOnTransition(t *testing.T) {
	var alerts int
	m := New(Config{UnhealthyThreshold: 1}, nil, func(kind, name string, healthy bool) {
		if kind == "alert" {
			alerts++
		}
	})
	m.RegisterProbe("db", func(ctx context.Context) error { return errDown }, nil)

	m.CheckOnce(context.Background())
	m.CheckOnce(context.Background())
	m.CheckOnce(context.Background())
	require.Equal(t, 1, alerts)
}

func TestWorkerProbeEmitsWorkerHealth(t *testing.T) {
	var kinds []string
	m := New(Config{}, nil, func(kind, name string, healthy bool) { kinds = append(kinds, kind) })
	m.SetWorkerProbe(func(ctx context.Context) error { return nil })
	m.checkWorker(context.Background())
	require.Contains(t, kinds, "workerHealth")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	m := New(Config{GlobalInterval: time.Millisecond, WorkerInterval: time.Millisecond, DependencyInterval: time.Millisecond}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
