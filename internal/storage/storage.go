// Package storage defines the persistence contract behind the Queue
// Abstraction (C7), Transactional Outbox Publisher (C8), and Checkpoint
// Manager (C9), and the jobs/outbox/checkpoints row shapes of
// SPEC_FULL.md §3/§6.2. Concrete backends live in the sqlite, postgres,
// and memory subpackages; the backend is chosen by internal/storage's
// NewStore the same way the teacher's internal/storage.Factory picked a
// backend from StorageConfig.Backend.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup by id or unique key finds no row.
var ErrNotFound = errors.New("storage: not found")

// ErrStaleClaim is returned when an operation expected to own a lease
// (job or outbox row) no longer does, because the lease expired and was
// reclaimed by a sweep.
var ErrStaleClaim = errors.New("storage: stale claim")

// ErrConflict is returned on a unique-constraint violation, notably the
// checkpoint (run_id, stage, entity_id) uniqueness invariant.
var ErrConflict = errors.New("storage: conflict")

// JobState is the lifecycle state of a jobs row (spec.md §3's Job,
// persisted).
type JobState string

const (
	JobQueued  JobState = "queued"
	JobActive  JobState = "active"
	JobDone    JobState = "completed"
	JobFailed  JobState = "failed"
)

// JobRecord is the concrete jobs table row backing the abstract Queue
// (C7) — spec.md leaves queue storage as an external collaborator
// contract; this module owns this SQLite/Postgres-backed implementation
// of it (SPEC_FULL.md §3).
type JobRecord struct {
	ID             string
	RunID          string
	QueueName      string
	Stage          string
	EntityKey      string
	Payload        []byte
	State          JobState
	Priority       int
	Attempts       int
	AvailableAt    time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobCounts mirrors spec.md §4.6's getJobCounts result shape.
type JobCounts struct {
	Active    int
	Waiting   int
	Delayed   int
	Completed int
	Failed    int
}

// OutboxStatus is the lifecycle state of an outbox row (spec.md §3).
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxPublishing OutboxStatus = "publishing"
	OutboxPublished  OutboxStatus = "published"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxRecord is the outbox table row of spec.md §3/§6.
type OutboxRecord struct {
	ID          string
	RunID       string
	EventType   string
	Payload     []byte
	Status      OutboxStatus
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
	ClaimedAt   *time.Time
}

// CheckpointStatus is the lifecycle state of a checkpoint row (spec.md §3).
type CheckpointStatus string

const (
	CheckpointPending     CheckpointStatus = "pending"
	CheckpointCompleted   CheckpointStatus = "completed"
	CheckpointFailed      CheckpointStatus = "failed"
	CheckpointInvalidated CheckpointStatus = "invalidated"
)

// CheckpointRecord is the checkpoints table row of spec.md §3/§6.
type CheckpointRecord struct {
	ID               string
	RunID            string
	Stage            string
	EntityID         string
	Status           CheckpointStatus
	MetadataJSON     []byte
	ValidationJSON   []byte
	Error            string
	CreatedAt        time.Time
	CompletedAt      *time.Time
	FailedAt         *time.Time
}

// CheckpointPatch describes an allowed mutation to a checkpoint row: the
// only fields spec.md §3 permits to change post-creation.
type CheckpointPatch struct {
	Status         CheckpointStatus
	ValidationJSON []byte
	Error          string
	CompletedAt    *time.Time
	FailedAt       *time.Time
}

// Store is the persistence contract every backend implements. Flattened
// into one interface (jobs + outbox + checkpoints) the way the teacher's
// DatabaseConnection interface flattens Exec/Query/Begin rather than
// splitting into one interface per concern.
type Store interface {
	Connect(ctx context.Context) error
	Close() error
	Health(ctx context.Context) error

	// Jobs — Queue Abstraction (C7).
	EnqueueJob(ctx context.Context, rec JobRecord) error
	ClaimJob(ctx context.Context, queueName, leaseOwner string, leaseDuration time.Duration) (*JobRecord, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, availableAt time.Time) error
	FailJob(ctx context.Context, id string) error
	JobCounts(ctx context.Context, queueName string) (JobCounts, error)
	SweepStaleJobs(ctx context.Context, now time.Time) (int, error)
	CleanupJobs(ctx context.Context, queueName string, olderThan time.Time) (int, error)

	// Outbox — Transactional Outbox Publisher (C8).
	InsertOutbox(ctx context.Context, row OutboxRecord) error
	ClaimOutboxBatch(ctx context.Context, batchSize int) ([]OutboxRecord, error)
	MarkOutboxPublished(ctx context.Context, id string) error
	MarkOutboxFailedAttempt(ctx context.Context, id string, errMsg string, permanent bool) error
	ReclaimStaleOutbox(ctx context.Context, staleAfter time.Duration) (int, error)
	PendingOutboxCount(ctx context.Context) (int, error)

	// Checkpoints — Checkpoint Manager (C9).
	CreateCheckpoint(ctx context.Context, cp CheckpointRecord) (*CheckpointRecord, error)
	UpdateCheckpoint(ctx context.Context, id string, patch CheckpointPatch) error
	GetCheckpointByID(ctx context.Context, id string) (*CheckpointRecord, error)
	GetCheckpoint(ctx context.Context, runID, stage, entityID string) (*CheckpointRecord, error)
	GetCheckpointsByRunStage(ctx context.Context, runID, stage string) ([]CheckpointRecord, error)
	GetLatestCheckpoint(ctx context.Context, runID, entityID string) (*CheckpointRecord, error)
	InvalidateCheckpointsAfter(ctx context.Context, runID string, after time.Time, excludeID string) ([]string, error)
	CleanupCheckpoints(ctx context.Context, olderThan time.Time) (int, error)
	CleanupCheckpointsByRun(ctx context.Context, runID string) (int, error)
}
