package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeforge/pipeline-core/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "pipeline.db"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRejectsTraversalAndEmptyPath(t *testing.T) {
	_, err := New("", nil)
	require.Error(t, err)
	_, err = New("../escape.db", nil)
	require.Error(t, err)
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := storage.JobRecord{ID: "j1", RunID: "r1", QueueName: "file-analysis-queue", Stage: "file-analysis", EntityKey: "a.go"}
	require.NoError(t, s.EnqueueJob(ctx, rec))

	counts, err := s.JobCounts(ctx, "file-analysis-queue")
	require.NoError(t, err)
	require.Equal(t, 1, counts.Waiting)

	claimed, err := s.ClaimJob(ctx, "file-analysis-queue", "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "j1", claimed.ID)
	require.Equal(t, storage.JobActive, claimed.State)

	_, err = s.ClaimJob(ctx, "file-analysis-queue", "worker-2", time.Minute)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.CompleteJob(ctx, "j1"))
	counts, err = s.JobCounts(ctx, "file-analysis-queue")
	require.NoError(t, err)
	require.Equal(t, 1, counts.Completed)
}

func TestJobRetryReturnsToQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnqueueJob(ctx, storage.JobRecord{ID: "j1", RunID: "r1", QueueName: "q", Stage: "file-analysis", EntityKey: "a"}))
	_, err := s.ClaimJob(ctx, "q", "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.RetryJob(ctx, "j1", time.Now().UTC()))
	counts, err := s.JobCounts(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 1, counts.Waiting)
}

func TestSweepStaleJobsReclaimsExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnqueueJob(ctx, storage.JobRecord{ID: "j1", RunID: "r1", QueueName: "q", Stage: "file-analysis", EntityKey: "a"}))
	_, err := s.ClaimJob(ctx, "q", "w1", -time.Second) // already expired
	require.NoError(t, err)

	n, err := s.SweepStaleJobs(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	counts, err := s.JobCounts(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 1, counts.Waiting)
}

func TestOutboxClaimPublishLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertOutbox(ctx, storage.OutboxRecord{ID: "o1", RunID: "r1", EventType: "poi-extracted", Payload: []byte("{}")}))

	n, err := s.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	batch, err := s.ClaimOutboxBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, storage.OutboxPublishing, batch[0].Status)

	require.NoError(t, s.MarkOutboxPublished(ctx, "o1"))
	n, err = s.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestOutboxReclaimStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertOutbox(ctx, storage.OutboxRecord{ID: "o1", RunID: "r1", EventType: "t", Payload: []byte("{}")}))
	_, err := s.ClaimOutboxBatch(ctx, 10)
	require.NoError(t, err)

	n, err := s.ReclaimStaleOutbox(ctx, -time.Second) // immediately stale
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pending, err := s.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestCheckpointUniquenessAndRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp1, err := s.CreateCheckpoint(ctx, storage.CheckpointRecord{ID: "c1", RunID: "r1", Stage: "FILE_LOADED", EntityID: "f.js"})
	require.NoError(t, err)

	_, err = s.CreateCheckpoint(ctx, storage.CheckpointRecord{ID: "c1b", RunID: "r1", Stage: "FILE_LOADED", EntityID: "f.js"})
	require.ErrorIs(t, err, storage.ErrConflict)

	_, err = s.CreateCheckpoint(ctx, storage.CheckpointRecord{ID: "c2", RunID: "r1", Stage: "ENTITIES_EXTRACTED", EntityID: "f.js", CreatedAt: cp1.CreatedAt.Add(time.Second)})
	require.NoError(t, err)
	_, err = s.CreateCheckpoint(ctx, storage.CheckpointRecord{ID: "c3", RunID: "r1", Stage: "RELATIONSHIPS_BUILT", EntityID: "f.js", CreatedAt: cp1.CreatedAt.Add(2 * time.Second)})
	require.NoError(t, err)

	ids, err := s.InvalidateCheckpointsAfter(ctx, "r1", cp1.CreatedAt, cp1.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"c2", "c3"}, ids)

	got, err := s.GetCheckpoint(ctx, "r1", "FILE_LOADED", "f.js")
	require.NoError(t, err)
	require.Equal(t, storage.CheckpointPending, got.Status)

	got2, err := s.GetCheckpoint(ctx, "r1", "ENTITIES_EXTRACTED", "f.js")
	require.NoError(t, err)
	require.Equal(t, storage.CheckpointInvalidated, got2.Status)
}

func TestUpdateCheckpointUnknownIDReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateCheckpoint(context.Background(), "missing", storage.CheckpointPatch{Status: storage.CheckpointCompleted})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetCheckpointByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateCheckpoint(ctx, storage.CheckpointRecord{ID: "c1", RunID: "r1", Stage: "FILE_LOADED", EntityID: "f.js"})
	require.NoError(t, err)

	got, err := s.GetCheckpointByID(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "r1", got.RunID)

	_, err = s.GetCheckpointByID(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
