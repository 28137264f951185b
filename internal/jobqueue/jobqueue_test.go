package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeforge/pipeline-core/internal/storage/memory"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.Connect(context.Background()))
	return NewManager(store)
}

func TestAddAndClaimFIFOBestEffort(t *testing.T) {
	m := newManager(t)
	q := m.Queue("file-analysis")
	ctx := context.Background()

	id1, err := q.Add(ctx, "run-1", "FILE_LOADED", "entity-1", []byte("a"), AddOptions{})
	require.NoError(t, err)
	_, err = q.Add(ctx, "run-1", "FILE_LOADED", "entity-2", []byte("b"), AddOptions{})
	require.NoError(t, err)

	job, err := q.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id1, job.ID)
}

func TestClaimReturnsNilWhenEmpty(t *testing.T) {
	m := newManager(t)
	q := m.Queue("empty-queue")

	job, err := q.Claim(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestRetryReschedulesUntilMaxAttemptsThenFails(t *testing.T) {
	m := newManager(t)
	q := m.Queue("q")
	ctx := context.Background()

	_, err := q.Add(ctx, "run-1", "stage", "entity", nil, AddOptions{})
	require.NoError(t, err)
	job, err := q.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	job.Attempts = 3
	require.NoError(t, q.Retry(ctx, job, Backoff{}, 3))

	counts, err := q.GetJobCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Failed)
}

func TestBackoffGrowsExponentially(t *testing.T) {
	b := Backoff{Exponential: true, InitialDelay: time.Second, MaxDelay: time.Minute}
	require.Equal(t, time.Second, b.delay(1))
	require.Equal(t, 2*time.Second, b.delay(2))
	require.Equal(t, 4*time.Second, b.delay(3))
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	b := Backoff{Exponential: true, InitialDelay: time.Second, MaxDelay: 3 * time.Second}
	require.Equal(t, 3*time.Second, b.delay(10))
}

func TestCleanupRemovesOldTerminalJobs(t *testing.T) {
	m := newManager(t)
	q := m.Queue("q")
	ctx := context.Background()

	id, err := q.Add(ctx, "run-1", "stage", "entity", nil, AddOptions{})
	require.NoError(t, err)
	job, err := q.Claim(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.NoError(t, q.Complete(ctx, job.ID))

	n, err := q.Cleanup(ctx, RetentionPolicy{CompletedOlderThan: -time.Hour})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
