// Package jobqueue implements the named persistent Queue Abstraction of
// spec.md §4.6 on top of internal/storage's job rows. Grounded on the
// teacher's internal/api/middleware rate limiter's per-key registry
// shape for AddOptions' backoff policy, and the transactional claim
// pattern of internal/database/postgres/*.go for connect/close lifecycle
// and context-scoped operations.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/codeforge/pipeline-core/internal/storage"
)

// Backoff configures retry delay growth, per spec.md §4.6's
// `backoff {exponential, initialDelayMs}`.
type Backoff struct {
	Exponential   bool
	InitialDelay  time.Duration
	MaxDelay      time.Duration
}

func (b Backoff) delay(attempt int) time.Duration {
	if b.InitialDelay <= 0 {
		b.InitialDelay = time.Second
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = 5 * time.Minute
	}
	if !b.Exponential || attempt <= 1 {
		return b.InitialDelay
	}
	d := time.Duration(float64(b.InitialDelay) * math.Pow(2, float64(attempt-1)))
	if d > b.MaxDelay || d <= 0 {
		return b.MaxDelay
	}
	return d
}

// AddOptions mirrors spec.md §4.6's `opts` to add(). Add stores only
// Priority and AvailableAt on the job; Attempts, Backoff, RemoveOnComplete
// and RemoveOnFail are accepted but not applied by Add. Retry limits and
// backoff come from the arguments passed to Queue.Retry.
type AddOptions struct {
	Priority         int
	Attempts         int // defaulted to 3 by withDefaults; not stored by Add
	Backoff          Backoff
	RemoveOnComplete bool
	RemoveOnFail     bool
	AvailableAt      time.Time // zero means immediately available
}

func (o AddOptions) withDefaults() AddOptions {
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.AvailableAt.IsZero() {
		o.AvailableAt = time.Now()
	}
	return o
}

// RetentionPolicy is the age policy passed to Queue.Cleanup, per spec.md
// §4.6's cleanup(queueName, policy).
type RetentionPolicy struct {
	CompletedOlderThan time.Duration
	FailedOlderThan    time.Duration
}

// Job is the queue-facing view of a claimed unit of work.
type Job struct {
	ID        string
	QueueName string
	RunID     string
	Stage     string
	EntityKey string
	Payload   []byte
	Attempts  int
}

// Queue is a single named persistent queue backed by internal/storage.
type Queue struct {
	name  string
	store storage.Store
}

// Manager tracks the set of named queues handed out via Queue, per spec.md
// §4.6's "named persistent queues" with explicit connect/closeConnections
// lifecycle.
type Manager struct {
	store  storage.Store
	queues map[string]*queueMeta
}

type queueMeta struct {
	defaultOpts AddOptions
}

func NewManager(store storage.Store) *Manager {
	return &Manager{store: store, queues: make(map[string]*queueMeta)}
}

// Connect opens the underlying store connection.
func (m *Manager) Connect(ctx context.Context) error {
	return m.store.Connect(ctx)
}

// CloseConnections closes the underlying store connection, per spec.md
// §4.6's explicit `closeConnections`.
func (m *Manager) CloseConnections() error {
	return m.store.Close()
}

// Queue returns (creating if necessary) a handle bound to queueName.
func (m *Manager) Queue(queueName string) *Queue {
	if _, ok := m.queues[queueName]; !ok {
		m.queues[queueName] = &queueMeta{}
	}
	return &Queue{name: queueName, store: m.store}
}

// Add enqueues one job payload, per spec.md §4.6's `add(queueName, payload, opts)`.
func (q *Queue) Add(ctx context.Context, runID, stage, entityKey string, payload []byte, opts AddOptions) (string, error) {
	opts = opts.withDefaults()
	id := uuid.NewString()
	rec := storage.JobRecord{
		ID:          id,
		QueueName:   q.name,
		RunID:       runID,
		Stage:       stage,
		EntityKey:   entityKey,
		Payload:     payload,
		State:       storage.JobQueued,
		Priority:    opts.Priority,
		AvailableAt: opts.AvailableAt,
	}
	if err := q.store.EnqueueJob(ctx, rec); err != nil {
		return "", fmt.Errorf("jobqueue: add to %s: %w", q.name, err)
	}
	return id, nil
}

// Claim pulls the next eligible job for this queue under a lease, per
// spec.md §4.6's FIFO-best-effort-within-a-queue ordering guarantee
// (delegated to the storage backend's priority/created_at ordering).
func (q *Queue) Claim(ctx context.Context, leaseOwner string, leaseDuration time.Duration) (*Job, error) {
	rec, err := q.store.ClaimJob(ctx, q.name, leaseOwner, leaseDuration)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobqueue: claim from %s: %w", q.name, err)
	}
	if rec == nil {
		return nil, nil
	}
	return &Job{
		ID:        rec.ID,
		QueueName: rec.QueueName,
		RunID:     rec.RunID,
		Stage:     rec.Stage,
		EntityKey: rec.EntityKey,
		Payload:   rec.Payload,
		Attempts:  rec.Attempts,
	}, nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	return q.store.CompleteJob(ctx, jobID)
}

// Retry reschedules a job per its backoff policy, or fails it terminally
// once maxAttempts is reached.
func (q *Queue) Retry(ctx context.Context, job *Job, backoff Backoff, maxAttempts int) error {
	if maxAttempts > 0 && job.Attempts >= maxAttempts {
		return q.store.FailJob(ctx, job.ID)
	}
	next := time.Now().Add(backoff.delay(job.Attempts + 1))
	return q.store.RetryJob(ctx, job.ID, next)
}

// Fail marks a job terminally failed without further retries.
func (q *Queue) Fail(ctx context.Context, jobID string) error {
	return q.store.FailJob(ctx, jobID)
}

// GetJobCounts mirrors spec.md §4.6's `getJobCounts(queueName)`.
func (q *Queue) GetJobCounts(ctx context.Context) (storage.JobCounts, error) {
	return q.store.JobCounts(ctx, q.name)
}

// SweepStale reclaims jobs whose lease has expired as of the current
// time (time.Now), per spec.md §4.6's stale-job sweeper. Shared across all
// queues since the lease-expiry predicate is queue-agnostic.
func (m *Manager) SweepStale(ctx context.Context) (int, error) {
	return m.store.SweepStaleJobs(ctx, time.Now())
}

// Cleanup removes completed/failed rows beyond the retention policy, per
// spec.md §4.6's `cleanup(queueName, policy)`.
func (q *Queue) Cleanup(ctx context.Context, policy RetentionPolicy) (int, error) {
	cutoff := time.Now()
	if policy.CompletedOlderThan > 0 {
		cutoff = time.Now().Add(-policy.CompletedOlderThan)
	} else if policy.FailedOlderThan > 0 {
		cutoff = time.Now().Add(-policy.FailedOlderThan)
	}
	return q.store.CleanupJobs(ctx, q.name, cutoff)
}
