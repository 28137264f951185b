// Package checkpoint implements the Checkpoint Manager (C9) of
// spec.md §4.8/§4.8.1: stage-ordered validation, rollback, overhead
// accounting, and cleanup. Persistence is internal/storage's
// checkpoints table; internal/rediscoord holds a cache hint that is
// written on create and invalidated on update/rollback, never read back
// here and never authoritative on write, per spec.md §5. The multi-phase, collect-all-
// errors validation shape is grounded on the teacher's
// internal/config/update_validator.go DefaultConfigValidator.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/codeforge/pipeline-core/internal/faults"
	"github.com/codeforge/pipeline-core/internal/rediscoord"
	"github.com/codeforge/pipeline-core/internal/storage"
)

// Stage names the five pipeline stages of spec.md §4.8.1, in required
// order.
type Stage string

const (
	StageFileLoaded          Stage = "FILE_LOADED"
	StageEntitiesExtracted   Stage = "ENTITIES_EXTRACTED"
	StageRelationshipsBuilt  Stage = "RELATIONSHIPS_BUILT"
	StageNeo4jStored         Stage = "NEO4J_STORED"
	StagePipelineComplete    Stage = "PIPELINE_COMPLETE"
)

// stageOrder gives each known stage its position for prerequisite
// enforcement.
var stageOrder = map[Stage]int{
	StageFileLoaded:         0,
	StageEntitiesExtracted:  1,
	StageRelationshipsBuilt: 2,
	StageNeo4jStored:        3,
	StagePipelineComplete:   4,
}

// ErrUnknownStage rejects create() for a stage outside stageOrder.
var ErrUnknownStage = errors.New("checkpoint: unknown stage")

// ErrPrerequisite surfaces when a worker attempts stage k for an entity
// whose prior stage checkpoint is not completed. Aliased to
// faults.ErrPrerequisite so the pool's retry loop and telemetry
// classify it consistently with every other component.
var ErrPrerequisite = faults.ErrPrerequisite

// ErrValidation surfaces when validate() rejects a checkpoint's metadata.
// Aliased to faults.ErrValidation for the same reason.
var ErrValidation = faults.ErrValidation

// ErrInvalidTransition rejects an update() whose patch isn't one of the
// allowed transitions.
var ErrInvalidTransition = errors.New("checkpoint: invalid status transition")

// Benchmarks holds the PIPELINE_COMPLETE thresholds of spec.md §4.8.1,
// overridable from their documented defaults.
type Benchmarks struct {
	MinNodes        int
	MinRelationships int
	MaxDuration     time.Duration
}

func (b Benchmarks) withDefaults() Benchmarks {
	if b.MinNodes <= 0 {
		b.MinNodes = 300
	}
	if b.MinRelationships <= 0 {
		b.MinRelationships = 1600
	}
	if b.MaxDuration <= 0 {
		b.MaxDuration = 60 * time.Second
	}
	return b
}

// Manager is the Checkpoint Manager (C9).
type Manager struct {
	store  storage.Store
	cache  *rediscoord.Client
	bench  Benchmarks
}

func New(store storage.Store, cache *rediscoord.Client, bench Benchmarks) *Manager {
	return &Manager{store: store, cache: cache, bench: bench.withDefaults()}
}

// CreateInput is the create() payload of spec.md §4.8.
type CreateInput struct {
	RunID    string
	Stage    Stage
	EntityID string
	Metadata map[string]any
}

// Create writes a pending checkpoint row, enforcing that the prior stage
// for this entity is already completed.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*storage.CheckpointRecord, error) {
	if _, ok := stageOrder[in.Stage]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, in.Stage)
	}

	if prev, ok := previousStage(in.Stage); ok {
		latest, err := m.GetLatest(ctx, in.RunID, in.EntityID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if latest == nil || Stage(latest.Stage) != prev || latest.Status != storage.CheckpointCompleted {
			return nil, ErrPrerequisite
		}
	}

	metaJSON, err := json.Marshal(in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: marshal metadata: %w", err)
	}

	cp, err := m.store.CreateCheckpoint(ctx, storage.CheckpointRecord{
		ID:           uuid.NewString(),
		RunID:        in.RunID,
		Stage:        string(in.Stage),
		EntityID:     in.EntityID,
		Status:       storage.CheckpointPending,
		MetadataJSON: metaJSON,
	})
	if err != nil {
		return nil, err
	}

	m.cache.SetJSON(ctx, rediscoord.CheckpointKey(cp.ID), cp, rediscoord.CheckpointTTL())
	return cp, nil
}

// CreatePipelineComplete writes the run-level PIPELINE_COMPLETE
// checkpoint. Unlike Create, its prerequisite is run-scoped rather than
// entity-scoped: it requires at least one NEO4J_STORED checkpoint to
// exist for runID, since the pipeline-complete summary has no single
// entityID of its own to chain off of the way per-file checkpoints do.
func (m *Manager) CreatePipelineComplete(ctx context.Context, runID string, metadata map[string]any) (*storage.CheckpointRecord, error) {
	stored, err := m.store.GetCheckpointsByRunStage(ctx, runID, string(StageNeo4jStored))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, ErrPrerequisite
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: marshal metadata: %w", err)
	}

	cp, err := m.store.CreateCheckpoint(ctx, storage.CheckpointRecord{
		ID:           uuid.NewString(),
		RunID:        runID,
		Stage:        string(StagePipelineComplete),
		EntityID:     runID,
		Status:       storage.CheckpointPending,
		MetadataJSON: metaJSON,
	})
	if err != nil {
		return nil, err
	}

	m.cache.SetJSON(ctx, rediscoord.CheckpointKey(cp.ID), cp, rediscoord.CheckpointTTL())
	return cp, nil
}

func previousStage(s Stage) (Stage, bool) {
	order := stageOrder[s]
	if order == 0 {
		return "", false
	}
	for candidate, pos := range stageOrder {
		if pos == order-1 {
			return candidate, true
		}
	}
	return "", false
}

// ValidationResult is validate()'s result shape.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate applies the stage-specific rules of spec.md §4.8.1 against a
// checkpoint's decoded metadata/result payload.
func (m *Manager) Validate(cp *storage.CheckpointRecord, result map[string]any) ValidationResult {
	var errs []string

	switch Stage(cp.Stage) {
	case StageFileLoaded:
		errs = append(errs, validateFileLoaded(result)...)
	case StageEntitiesExtracted:
		errs = append(errs, validateEntitiesExtracted(result)...)
	case StageRelationshipsBuilt:
		errs = append(errs, validateRelationshipsBuilt(result)...)
	case StageNeo4jStored:
		errs = append(errs, validateNeo4jStored(result)...)
	case StagePipelineComplete:
		errs = append(errs, m.validatePipelineComplete(result)...)
	default:
		errs = append(errs, "unknown stage")
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func validateFileLoaded(r map[string]any) []string {
	var errs []string
	path, _ := r["filePath"].(string)
	if path == "" {
		errs = append(errs, "filePath is required")
	} else if f, err := os.Open(path); err != nil {
		errs = append(errs, fmt.Sprintf("filePath %q is not readable: %v", path, err))
	} else {
		f.Close()
	}
	size, ok := toFloat(r["size"])
	if !ok || size <= 0 {
		errs = append(errs, "size must be > 0")
	}
	return errs
}

func validateEntitiesExtracted(r map[string]any) []string {
	var errs []string
	count, ok := toFloat(r["entityCount"])
	if !ok || count <= 0 {
		errs = append(errs, "entityCount must be > 0")
	}
	entities, _ := r["entities"].([]any)
	for i, e := range entities {
		em, ok := e.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("entity %d: malformed", i))
			continue
		}
		for _, field := range []string{"id", "type", "name"} {
			if s, _ := em[field].(string); s == "" {
				errs = append(errs, fmt.Sprintf("entity %d: missing %s", i, field))
			}
		}
	}
	return errs
}

var validRelationshipTypes = map[string]bool{
	"CALLS": true, "IMPORTS": true, "EXTENDS": true, "IMPLEMENTS": true, "USES": true,
}

func validateRelationshipsBuilt(r map[string]any) []string {
	var errs []string
	rels, _ := r["relationships"].([]any)
	for i, rel := range rels {
		rm, ok := rel.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("relationship %d: malformed", i))
			continue
		}
		for _, field := range []string{"from", "to", "type"} {
			if s, _ := rm[field].(string); s == "" {
				errs = append(errs, fmt.Sprintf("relationship %d: missing %s", i, field))
			}
		}
		if t, _ := rm["type"].(string); t != "" && !validRelationshipTypes[t] {
			errs = append(errs, fmt.Sprintf("relationship %d: invalid type %q", i, t))
		}
	}
	return errs
}

func validateNeo4jStored(r map[string]any) []string {
	var errs []string
	nodes, _ := toFloat(r["nodesCreated"])
	rels, _ := toFloat(r["relationshipsCreated"])
	if nodes <= 0 {
		errs = append(errs, "nodesCreated must be > 0")
	}
	if rels <= 0 {
		errs = append(errs, "relationshipsCreated must be > 0")
	}
	return errs
}

func (m *Manager) validatePipelineComplete(r map[string]any) []string {
	var errs []string
	totalNodes, _ := toFloat(r["totalNodes"])
	totalRels, _ := toFloat(r["totalRelationships"])
	durationMS, _ := toFloat(r["durationMs"])

	if totalNodes < float64(m.bench.MinNodes) {
		errs = append(errs, fmt.Sprintf("totalNodes %v below benchmark %d", totalNodes, m.bench.MinNodes))
	}
	if totalRels < float64(m.bench.MinRelationships) {
		errs = append(errs, fmt.Sprintf("totalRelationships %v below benchmark %d", totalRels, m.bench.MinRelationships))
	}
	if time.Duration(durationMS)*time.Millisecond > m.bench.MaxDuration {
		errs = append(errs, fmt.Sprintf("duration %vms exceeds benchmark %s", durationMS, m.bench.MaxDuration))
	}
	return errs
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Update applies one of the allowed transitions: pending→completed,
// pending→failed, any→invalidated (via Rollback only — direct callers
// may not set invalidated through Update).
func (m *Manager) Update(ctx context.Context, id string, patch storage.CheckpointPatch) error {
	if patch.Status == storage.CheckpointInvalidated {
		return ErrInvalidTransition
	}
	if patch.Status != storage.CheckpointCompleted && patch.Status != storage.CheckpointFailed {
		return ErrInvalidTransition
	}
	current, err := m.store.GetCheckpointByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != storage.CheckpointPending {
		return ErrInvalidTransition
	}
	if err := m.store.UpdateCheckpoint(ctx, id, patch); err != nil {
		return err
	}
	m.cache.Invalidate(ctx, rediscoord.CheckpointKey(id))
	return nil
}

// GetByRunStage returns every checkpoint for (runID, stage).
func (m *Manager) GetByRunStage(ctx context.Context, runID string, stage Stage) ([]storage.CheckpointRecord, error) {
	return m.store.GetCheckpointsByRunStage(ctx, runID, string(stage))
}

// GetLatest returns the most recent checkpoint for (runID, entityID),
// read from the store; the cache hint is not consulted.
func (m *Manager) GetLatest(ctx context.Context, runID, entityID string) (*storage.CheckpointRecord, error) {
	return m.store.GetLatestCheckpoint(ctx, runID, entityID)
}

// RollbackResult is rollback()'s result shape.
type RollbackResult struct {
	RolledBackTo   string
	InvalidatedIDs []string
	NextStage      Stage
}

// Rollback atomically invalidates every checkpoint of the same run
// created after the target, evicting their cache entries, per spec.md
// §4.8.
func (m *Manager) Rollback(ctx context.Context, checkpointID, runID string) (*RollbackResult, error) {
	// Resolve the target checkpoint's createdAt by scanning every stage
	// of the run, since storage only indexes lookups by
	// (runID, stage, entityID), not by checkpoint id.
	var all []storage.CheckpointRecord
	for stage := range stageOrder {
		rows, err := m.store.GetCheckpointsByRunStage(ctx, runID, string(stage))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		all = append(all, rows...)
	}
	var targetCP *storage.CheckpointRecord
	for i := range all {
		if all[i].ID == checkpointID {
			targetCP = &all[i]
			break
		}
	}
	if targetCP == nil {
		return nil, storage.ErrNotFound
	}

	invalidated, err := m.store.InvalidateCheckpointsAfter(ctx, runID, targetCP.CreatedAt, checkpointID)
	if err != nil {
		return nil, err
	}
	for _, id := range invalidated {
		m.cache.Invalidate(ctx, rediscoord.CheckpointKey(id))
	}

	next, _ := nextStage(Stage(targetCP.Stage))
	return &RollbackResult{RolledBackTo: checkpointID, InvalidatedIDs: invalidated, NextStage: next}, nil
}

func nextStage(s Stage) (Stage, bool) {
	order, ok := stageOrder[s]
	if !ok {
		return "", false
	}
	for candidate, pos := range stageOrder {
		if pos == order+1 {
			return candidate, true
		}
	}
	return "", false
}

// Overhead is overhead()'s result shape, per spec.md §4.8's ≤5% design
// target.
type Overhead struct {
	CheckpointTimeMS int64
	TotalMS          int64
	Pct              float64
}

// ComputeOverhead derives the checkpoint-time percentage of a run's
// total elapsed wall time, given the measured checkpoint-write duration.
func ComputeOverhead(checkpointTime, total time.Duration) Overhead {
	pct := 0.0
	if total > 0 {
		pct = float64(checkpointTime) / float64(total) * 100
	}
	return Overhead{
		CheckpointTimeMS: checkpointTime.Milliseconds(),
		TotalMS:          total.Milliseconds(),
		Pct:              pct,
	}
}

// Cleanup removes checkpoints older than the given age, across all runs.
func (m *Manager) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	return m.store.CleanupCheckpoints(ctx, cutoff)
}

// CleanupRun removes every checkpoint belonging to one run.
func (m *Manager) CleanupRun(ctx context.Context, runID string) (int, error) {
	return m.store.CleanupCheckpointsByRun(ctx, runID)
}
