package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/codeforge/pipeline-core/internal/checkpoint"
	"github.com/codeforge/pipeline-core/internal/jobqueue"
	"github.com/codeforge/pipeline-core/internal/storage"
)

// Event types routed between the seven known queues by the default
// stub handlers, per spec.md §6.4's queue surface.
const (
	eventFileAnalyzed        = "file.analyzed"
	eventDirectoryAggregated = "directory.aggregated"
	eventDirectoryResolved   = "directory.resolved"
	eventRelationshipsBuilt  = "relationships.built"
	eventValidated           = "validated"
	eventReconciled          = "reconciled"
)

// insertEvent records one outbox row. Payload carries the entity key
// (the seeded file path) unchanged across every stage transition so
// RouteEventType's re-enqueue can recover it as the next stage's
// entityKey — the same value every checkpoint prerequisite chains off of.
func insertEvent(ctx context.Context, tk *Toolkit, eventType string, payload []byte) error {
	return tk.Outbox.Insert(ctx, storage.OutboxRecord{
		ID:        uuid.NewString(),
		RunID:     tk.RunID,
		EventType: eventType,
		Payload:   payload,
	})
}

// createCompleted creates a checkpoint and immediately marks it completed.
// The stub handlers never model an asynchronous validation step between
// pending and completed, so every checkpoint they write must transition
// straight through or the next stage's Create prerequisite check
// (previous stage must be CheckpointCompleted) would never pass.
func createCompleted(ctx context.Context, tk *Toolkit, stage checkpoint.Stage, entityID string, metadata map[string]any) (*storage.CheckpointRecord, error) {
	cp, err := tk.Checkpoints.Create(ctx, checkpoint.CreateInput{
		RunID: tk.RunID, Stage: stage, EntityID: entityID, Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}
	if err := tk.Checkpoints.Update(ctx, cp.ID, storage.CheckpointPatch{Status: storage.CheckpointCompleted}); err != nil {
		return nil, err
	}
	return cp, nil
}

func metadataInt(raw []byte, key string) int {
	if len(raw) == 0 {
		return 0
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return 0
	}
	v, ok := m[key].(float64)
	if !ok {
		return 0
	}
	return int(v)
}

// DefaultStageHandlers returns the deterministic, in-memory stub
// pipeline used by this module's own tests and the example CLI run.
// Real file-analysis/graph logic is an external collaborator per
// spec.md §6.7 — these stubs only exercise the checkpoint/outbox/queue
// plumbing each real analyzer would drive.
func DefaultStageHandlers() map[string]StageHandler {
	return map[string]StageHandler{
		"file-analysis": func(ctx context.Context, job *jobqueue.Job, tk *Toolkit) error {
			if _, err := createCompleted(ctx, tk, checkpoint.StageFileLoaded, job.EntityKey, nil); err != nil {
				return fmt.Errorf("file-analysis: %w", err)
			}
			if _, err := createCompleted(ctx, tk, checkpoint.StageEntitiesExtracted, job.EntityKey,
				map[string]any{"poiCount": 3}); err != nil {
				return fmt.Errorf("file-analysis: %w", err)
			}
			return insertEvent(ctx, tk, eventFileAnalyzed, job.Payload)
		},

		"directory-aggregation": func(ctx context.Context, job *jobqueue.Job, tk *Toolkit) error {
			return insertEvent(ctx, tk, eventDirectoryAggregated, job.Payload)
		},

		"directory-resolution": func(ctx context.Context, job *jobqueue.Job, tk *Toolkit) error {
			return insertEvent(ctx, tk, eventDirectoryResolved, job.Payload)
		},

		"relationship-resolution": func(ctx context.Context, job *jobqueue.Job, tk *Toolkit) error {
			if _, err := createCompleted(ctx, tk, checkpoint.StageRelationshipsBuilt, job.EntityKey,
				map[string]any{"relationshipType": "calls", "relationshipCount": 2}); err != nil {
				return fmt.Errorf("relationship-resolution: %w", err)
			}
			return insertEvent(ctx, tk, eventRelationshipsBuilt, job.Payload)
		},

		"validation": func(ctx context.Context, job *jobqueue.Job, tk *Toolkit) error {
			return insertEvent(ctx, tk, eventValidated, job.Payload)
		},

		"reconciliation": func(ctx context.Context, job *jobqueue.Job, tk *Toolkit) error {
			return insertEvent(ctx, tk, eventReconciled, job.Payload)
		},

		"graph-ingestion": func(ctx context.Context, job *jobqueue.Job, tk *Toolkit) error {
			if _, err := createCompleted(ctx, tk, checkpoint.StageNeo4jStored, job.EntityKey, nil); err != nil {
				return fmt.Errorf("graph-ingestion: %w", err)
			}
			return nil // terminal stage: no further outbox emission
		},
	}
}

// DefaultEventRoutes maps each stub handler's emitted event type to the
// stage whose queue should receive it next, per spec.md §6's "queue
// derived from eventType". graph-ingestion is terminal and emits nothing.
func DefaultEventRoutes() map[string]string {
	return map[string]string{
		eventFileAnalyzed:        "directory-aggregation",
		eventDirectoryAggregated: "directory-resolution",
		eventDirectoryResolved:   "relationship-resolution",
		eventRelationshipsBuilt:  "validation",
		eventValidated:           "reconciliation",
		eventReconciled:          "graph-ingestion",
	}
}

// DefaultGraphBuilder sums the RELATIONSHIPS_BUILT checkpoints' recorded
// relationshipCount for runID, standing in for the real graph-ingestion
// collaborator's node/relationship totals (spec.md §6.7).
func DefaultGraphBuilder(checkpoints *checkpoint.Manager) GraphBuilder {
	return func(ctx context.Context, runID string) (GraphBuildResult, error) {
		built, err := checkpoints.GetByRunStage(ctx, runID, checkpoint.StageRelationshipsBuilt)
		if err != nil {
			return GraphBuildResult{}, fmt.Errorf("graph build: %w", err)
		}
		stored, err := checkpoints.GetByRunStage(ctx, runID, checkpoint.StageNeo4jStored)
		if err != nil {
			return GraphBuildResult{}, fmt.Errorf("graph build: %w", err)
		}

		total := 0
		for _, cp := range built {
			total += metadataInt(cp.MetadataJSON, "relationshipCount")
		}
		return GraphBuildResult{TotalNodes: len(stored), TotalRelationships: total}, nil
	}
}
