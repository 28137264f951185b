// Package outbox implements the Transactional Outbox Publisher (C8) of
// spec.md §4.7: claim a pending batch, publish each row, flip
// published/failed. Backoff-with-jitter is grounded on the teacher's
// internal/infrastructure/publishing/queue_retry.go CalculateBackoff
// (exponential, capped, jittered). Claim/reclaim leasing follows the
// teacher's internal/infrastructure/lock distributed-lock lease-expiry
// pattern, applied here to outbox row ownership instead of a mutex name.
// The publisher itself takes the cross-node OutboxPublisherLockKey from
// internal/rediscoord so only one node drains the table at a time.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/codeforge/pipeline-core/internal/faults"
	"github.com/codeforge/pipeline-core/internal/jobqueue"
	"github.com/codeforge/pipeline-core/internal/rediscoord"
	"github.com/codeforge/pipeline-core/internal/storage"
)

// ErrNoTarget is returned when an event type has no configured
// destination queue.
var ErrNoTarget = errors.New("outbox: no queue mapped for event type")

// Publisher is the target side of eventType → queue routing: the
// function registered for a row's eventType via RouteEventType.
type Publisher func(ctx context.Context, row storage.OutboxRecord) error

// RetryConfig mirrors the teacher's QueueRetryConfig shape exactly,
// generalized from a fixed attempt counter to the outbox row's own
// Attempts field.
type RetryConfig struct {
	MaxAttempts   int
	BaseInterval  time.Duration
	MaxBackoff    time.Duration
	JitterEnabled bool
	JitterMax     time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.JitterMax <= 0 {
		c.JitterMax = time.Second
	}
	return c
}

// CalculateBackoff computes min(baseInterval * 2^attempt, maxBackoff)
// plus optional jitter, per the teacher's queue_retry.go formula.
func CalculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt))) * cfg.BaseInterval
	if backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	if cfg.JitterEnabled && cfg.JitterMax > 0 {
		backoff += time.Duration(rand.Int63n(int64(cfg.JitterMax)))
	}
	return backoff
}

// Config configures the publisher loop.
type Config struct {
	BatchSize    int           // default 100, per spec.md §4.7
	PollInterval time.Duration // default 2s
	StaleAfter   time.Duration // claim lease staleness, default 5m
	Retry        RetryConfig
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// AlertFunc is invoked when a row exhausts its retry budget and is
// flipped to failed, per spec.md §4.7.
type AlertFunc func(row storage.OutboxRecord, err error)

// Manager runs the claim→publish→flip loop against one storage backend,
// publishing to a targets map keyed by eventType.
type Manager struct {
	store   storage.Store
	lockKey func(ctx context.Context) (*rediscoord.Lock, bool, error)
	cfg     Config
	logger  *slog.Logger
	onAlert AlertFunc

	targets map[string]Publisher
}

func New(store storage.Store, coord *rediscoord.Client, cfg Config, logger *slog.Logger, onAlert AlertFunc) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		onAlert: onAlert,
		targets: make(map[string]Publisher),
		lockKey: func(ctx context.Context) (*rediscoord.Lock, bool, error) {
			return coord.TryAcquire(ctx, rediscoord.OutboxPublisherLockKey, 30*time.Second)
		},
	}
}

// RouteEventType maps an eventType to the publisher responsible for it,
// per spec.md §6's "queue derived from eventType".
func (m *Manager) RouteEventType(eventType string, pub Publisher) {
	m.targets[eventType] = pub
}

// RouteToQueue is a convenience RouteEventType wiring eventType to a
// jobqueue.Queue add call.
func (m *Manager) RouteToQueue(eventType string, q *jobqueue.Queue, stage string) {
	m.RouteEventType(eventType, func(ctx context.Context, row storage.OutboxRecord) error {
		_, err := q.Add(ctx, row.RunID, stage, row.ID, row.Payload, jobqueue.AddOptions{})
		return err
	})
}

// Insert writes a new outbox row inside the caller's own unit of work,
// for at-least-once delivery: callers insert this alongside the handler
// result write (spec.md §4.7).
func (m *Manager) Insert(ctx context.Context, row storage.OutboxRecord) error {
	row.Status = storage.OutboxPending
	return m.store.InsertOutbox(ctx, row)
}

// Run polls and drains pending rows until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.drainOnce(ctx)
			m.reclaimStale(ctx)
		}
	}
}

// drainOnce claims and publishes one batch, serialized cross-node via
// the Redis lock (or the local-mutex fallback when Redis is disabled).
func (m *Manager) drainOnce(ctx context.Context) {
	lock, ok, err := m.lockKey(ctx)
	if err != nil {
		m.logger.Warn("outbox: lock acquire failed", "error", err)
		return
	}
	if !ok {
		return // another node is draining
	}
	defer lock.Release(ctx)

	batch, err := m.store.ClaimOutboxBatch(ctx, m.cfg.BatchSize)
	if err != nil {
		m.logger.Warn("outbox: claim batch failed", "error", err)
		return
	}

	for _, row := range batch {
		m.publishOne(ctx, row)
	}
}

func (m *Manager) publishOne(ctx context.Context, row storage.OutboxRecord) {
	pub, ok := m.targets[row.EventType]
	if !ok {
		m.failPermanently(ctx, row, ErrNoTarget)
		return
	}

	if err := pub(ctx, row); err != nil {
		m.handlePublishFailure(ctx, row, err)
		return
	}

	if err := m.store.MarkOutboxPublished(ctx, row.ID); err != nil {
		m.logger.Error("outbox: mark published failed", "id", row.ID, "error", err)
	}
}

func (m *Manager) handlePublishFailure(ctx context.Context, row storage.OutboxRecord, pubErr error) {
	attempt := row.Attempts + 1
	if attempt >= m.cfg.Retry.MaxAttempts || (!faults.Retryable(pubErr) && faults.Category(pubErr) != "unknown") {
		m.failPermanently(ctx, row, pubErr)
		return
	}

	delay := CalculateBackoff(attempt, m.cfg.Retry)
	m.logger.Warn("outbox: publish failed, will retry", "id", row.ID, "attempt", attempt, "delay", delay, "error", pubErr)
	if err := m.store.MarkOutboxFailedAttempt(ctx, row.ID, pubErr.Error(), false); err != nil {
		m.logger.Error("outbox: mark attempt failed", "id", row.ID, "error", err)
	}
	// MarkOutboxFailedAttempt puts the row back to pending with its claim
	// cleared, so the next drain pass claims it again; delay is only
	// logged, and no earliest-retry time is stored on the row.
}

func (m *Manager) failPermanently(ctx context.Context, row storage.OutboxRecord, cause error) {
	m.logger.Error("outbox: row permanently failed", "id", row.ID, "eventType", row.EventType, "error", cause)
	if err := m.store.MarkOutboxFailedAttempt(ctx, row.ID, cause.Error(), true); err != nil {
		m.logger.Error("outbox: mark permanent failure failed", "id", row.ID, "error", err)
	}
	if m.onAlert != nil {
		m.onAlert(row, cause)
	}
}

// reclaimStale re-eligibilizes rows whose publishing claim has sat
// beyond StaleAfter, per spec.md §4.7's "a row's claim becomes stale
// after worker.shutdown + cleanup".
func (m *Manager) reclaimStale(ctx context.Context) {
	n, err := m.store.ReclaimStaleOutbox(ctx, m.cfg.StaleAfter)
	if err != nil {
		m.logger.Warn("outbox: reclaim stale failed", "error", err)
		return
	}
	if n > 0 {
		m.logger.Info("outbox: reclaimed stale rows", "count", n)
	}
}

// PendingCount reports the current backlog size, for C4's scaling
// advisories and the admin status surface.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	return m.store.PendingOutboxCount(ctx)
}
