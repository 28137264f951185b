package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeforge/pipeline-core/internal/rediscoord"
	"github.com/codeforge/pipeline-core/internal/storage"
	"github.com/codeforge/pipeline-core/internal/storage/memory"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.Connect(context.Background()))
	return New(store, rediscoord.NewDisabled(nil), Benchmarks{})
}

func TestCreateRejectsUnknownStage(t *testing.T) {
	m := newManager(t)
	_, err := m.Create(context.Background(), CreateInput{RunID: "r1", Stage: "BOGUS", EntityID: "e1"})
	require.ErrorIs(t, err, ErrUnknownStage)
}

func TestCreateEnforcesPrerequisite(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, CreateInput{RunID: "r1", Stage: StageEntitiesExtracted, EntityID: "e1"})
	require.ErrorIs(t, err, ErrPrerequisite)
}

func TestCreateSucceedsAfterPrerequisiteCompleted(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	cp, err := m.Create(ctx, CreateInput{RunID: "r1", Stage: StageFileLoaded, EntityID: "e1"})
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, cp.ID, storage.CheckpointPatch{Status: storage.CheckpointCompleted}))

	_, err = m.Create(ctx, CreateInput{RunID: "r1", Stage: StageEntitiesExtracted, EntityID: "e1"})
	require.NoError(t, err)
}

func TestUpdateRejectsDirectInvalidation(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	cp, err := m.Create(ctx, CreateInput{RunID: "r1", Stage: StageFileLoaded, EntityID: "e1"})
	require.NoError(t, err)

	err = m.Update(ctx, cp.ID, storage.CheckpointPatch{Status: storage.CheckpointInvalidated})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateRejectsTransitionFromNonPendingStatus(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	cp, err := m.Create(ctx, CreateInput{RunID: "r1", Stage: StageFileLoaded, EntityID: "e1"})
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, cp.ID, storage.CheckpointPatch{Status: storage.CheckpointCompleted}))

	err = m.Update(ctx, cp.ID, storage.CheckpointPatch{Status: storage.CheckpointFailed})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestValidateFileLoaded(t *testing.T) {
	m := newManager(t)
	cp := &storage.CheckpointRecord{Stage: string(StageFileLoaded)}

	res := m.Validate(cp, map[string]any{"filePath": "", "size": 0.0})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 2)

	res = m.Validate(cp, map[string]any{"filePath": filepath.Join(t.TempDir(), "missing.go"), "size": 10.0})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)

	real := filepath.Join(t.TempDir(), "a.go")
	require.NoError(t, os.WriteFile(real, []byte("package a"), 0o644))
	res = m.Validate(cp, map[string]any{"filePath": real, "size": 10.0})
	require.True(t, res.Valid)
}

func TestValidateRelationshipsRejectsUnknownType(t *testing.T) {
	m := newManager(t)
	cp := &storage.CheckpointRecord{Stage: string(StageRelationshipsBuilt)}

	res := m.Validate(cp, map[string]any{"relationships": []any{
		map[string]any{"from": "a", "to": "b", "type": "BOGUS"},
	}})
	require.False(t, res.Valid)
}

func TestValidatePipelineCompleteAgainstBenchmarks(t *testing.T) {
	m := New(memory.New(), rediscoord.NewDisabled(nil), Benchmarks{MinNodes: 10, MinRelationships: 10, MaxDuration: 1000 * 1000 * 1000})
	cp := &storage.CheckpointRecord{Stage: string(StagePipelineComplete)}

	res := m.Validate(cp, map[string]any{"totalNodes": 5.0, "totalRelationships": 20.0, "durationMs": 500.0})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
}

func TestRollbackInvalidatesLaterCheckpoints(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	cp1, err := m.Create(ctx, CreateInput{RunID: "r1", Stage: StageFileLoaded, EntityID: "e1"})
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, cp1.ID, storage.CheckpointPatch{Status: storage.CheckpointCompleted}))

	cp2, err := m.Create(ctx, CreateInput{RunID: "r1", Stage: StageEntitiesExtracted, EntityID: "e1"})
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, cp2.ID, storage.CheckpointPatch{Status: storage.CheckpointCompleted}))

	result, err := m.Rollback(ctx, cp1.ID, "r1")
	require.NoError(t, err)
	require.Contains(t, result.InvalidatedIDs, cp2.ID)
	require.Equal(t, StageEntitiesExtracted, result.NextStage)
}

func TestComputeOverheadPercentage(t *testing.T) {
	o := ComputeOverhead(50_000_000, 1_000_000_000)
	require.InDelta(t, 5.0, o.Pct, 0.01)
}

func TestCleanupRunRemovesAllCheckpoints(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.Create(ctx, CreateInput{RunID: "r1", Stage: StageFileLoaded, EntityID: "e1"})
	require.NoError(t, err)

	n, err := m.CleanupRun(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
