package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeforge/pipeline-core/internal/breaker"
	"github.com/codeforge/pipeline-core/internal/jobqueue"
	"github.com/codeforge/pipeline-core/internal/ratelimit"
	"github.com/codeforge/pipeline-core/internal/storage/memory"
)

func newTestWorkerSetup(t *testing.T, retryAttempts int) (*Manager, *jobqueue.Queue, *jobqueue.Manager) {
	t.Helper()
	store := memory.New()
	qm := jobqueue.NewManager(store)
	require.NoError(t, qm.Connect(context.Background()))

	breakers := breaker.NewRegistry()
	breakers.Register("stage", breaker.Config{FailureThreshold: 100}, nil, nil)
	limiters := ratelimit.NewRegistry()

	m := NewManager(4, breakers, limiters, nil, ScalingConfig{}, nil, nil)
	require.NoError(t, m.RegisterStage(StageDescriptor{Name: "stage", Base: 2, Min: 1, Max: 2, RetryAttempts: retryAttempts, RetryDelay: time.Millisecond}))

	return m, qm.Queue("stage"), qm
}

func TestWorkerCompletesJobOnSuccess(t *testing.T) {
	m, q, _ := newTestWorkerSetup(t, 0)
	_, err := q.Add(context.Background(), "run-1", "stage", "entity-1", []byte("payload"), jobqueue.AddOptions{})
	require.NoError(t, err)

	var handled []byte
	w := NewWorker(WorkerConfig{Stage: "stage", PollInterval: 5 * time.Millisecond, MaxAttempts: 3}, q, m,
		func(ctx context.Context, job *jobqueue.Job) error {
			handled = job.Payload
			return nil
		}, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.drainAvailable(ctx)

	require.Equal(t, []byte("payload"), handled)
	counts, err := q.GetJobCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, counts.Completed)
}

func TestWorkerRetriesThenDeadLettersAfterMaxAttempts(t *testing.T) {
	m, q, _ := newTestWorkerSetup(t, 0)
	_, err := q.Add(context.Background(), "run-1", "stage", "entity-1", []byte("payload"), jobqueue.AddOptions{})
	require.NoError(t, err)

	var mu sync.Mutex
	var dlqCalls int
	w := NewWorker(WorkerConfig{Stage: "stage", PollInterval: 2 * time.Millisecond, MaxAttempts: 2, Backoff: jobqueue.Backoff{InitialDelay: time.Millisecond}}, q, m,
		func(ctx context.Context, job *jobqueue.Job) error {
			return errors.New("handler failure")
		},
		func(ctx context.Context, job *jobqueue.Job, cause error) {
			mu.Lock()
			dlqCalls++
			mu.Unlock()
		}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	deadline := time.Now().Add(900 * time.Millisecond)
	for time.Now().Before(deadline) {
		w.drainAvailable(ctx)
		mu.Lock()
		calls := dlqCalls
		mu.Unlock()
		if calls > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, dlqCalls)
}

func TestWorkerFailsJobWhenNoDeadLetterHandler(t *testing.T) {
	m, q, _ := newTestWorkerSetup(t, 0)
	_, err := q.Add(context.Background(), "run-1", "stage", "entity-1", []byte("payload"), jobqueue.AddOptions{})
	require.NoError(t, err)

	w := NewWorker(WorkerConfig{Stage: "stage", PollInterval: 2 * time.Millisecond, MaxAttempts: 1}, q, m,
		func(ctx context.Context, job *jobqueue.Job) error {
			return errors.New("handler failure")
		}, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.drainAvailable(ctx)

	counts, err := q.GetJobCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, counts.Failed)
}

func TestWorkerLeavesJobClaimedOnShutdown(t *testing.T) {
	m, q, _ := newTestWorkerSetup(t, 0)
	_, err := q.Add(context.Background(), "run-1", "stage", "entity-1", []byte("payload"), jobqueue.AddOptions{})
	require.NoError(t, err)

	m.Shutdown(10 * time.Millisecond)

	w := NewWorker(WorkerConfig{Stage: "stage", PollInterval: 2 * time.Millisecond, MaxAttempts: 3}, q, m,
		func(ctx context.Context, job *jobqueue.Job) error {
			t.Fatal("handler should not run once the manager is shut down")
			return nil
		}, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	w.drainAvailable(ctx)

	counts, err := q.GetJobCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, counts.Active)
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	m, q, _ := newTestWorkerSetup(t, 0)
	w := NewWorker(WorkerConfig{Stage: "stage", PollInterval: 2 * time.Millisecond, MaxAttempts: 3}, q, m,
		func(ctx context.Context, job *jobqueue.Job) error { return nil }, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
