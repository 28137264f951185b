package coordinator

import (
	"context"
	"fmt"

	"github.com/codeforge/pipeline-core/internal/checkpoint"
	"github.com/codeforge/pipeline-core/internal/jobqueue"
	"github.com/codeforge/pipeline-core/internal/outbox"
)

// Toolkit is handed to every StageHandler so it can record progress and
// enqueue downstream work without importing the coordinator itself —
// the narrow collaborator surface of spec.md §6.7.
type Toolkit struct {
	Checkpoints *checkpoint.Manager
	Outbox      *outbox.Manager
	RunID       string
}

// StageHandler implements one stage's domain logic (file analysis,
// directory aggregation, ...). This module ships only the deterministic
// stub set in stubs.go; real analyzers are an external collaborator
// per spec.md §6.7.
type StageHandler func(ctx context.Context, job *jobqueue.Job, tk *Toolkit) error

// GraphBuildResult is returned by GraphBuilder at drain, carrying the
// totals the PIPELINE_COMPLETE checkpoint benchmark assertion needs.
type GraphBuildResult struct {
	TotalNodes         int
	TotalRelationships int
}

// GraphBuilder runs the final, synchronous graph-construction pass once
// the coordinator declares drain. Out of scope per spec.md §6.7; this
// module injects it as a narrow function type.
type GraphBuilder func(ctx context.Context, runID string) (GraphBuildResult, error)

// ErrNoHandler is returned when a stage has no registered StageHandler.
var ErrNoHandler = fmt.Errorf("coordinator: no handler registered for stage")
