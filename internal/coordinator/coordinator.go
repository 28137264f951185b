// Package coordinator implements the Pipeline Coordinator (C10) of
// spec.md §4.11: boots every other component in dependency order, drives
// a producer that seeds the file-analysis queue for one run, polls queue
// depth to detect drain, triggers the final graph build and
// PIPELINE_COMPLETE checkpoint, and tears the system back down in
// reverse order on shutdown.
//
// Boot/shutdown sequencing and the connect→serve→signal-wait→graceful-
// shutdown shape are grounded on the teacher's cmd/server/main.go; the
// rolling failure-rate watchdog is grounded on internal/health.Monitor's
// consecutive-count pattern, applied here to a time-windowed job outcome
// count instead of consecutive probe failures.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeforge/pipeline-core/internal/breaker"
	"github.com/codeforge/pipeline-core/internal/checkpoint"
	"github.com/codeforge/pipeline-core/internal/config"
	"github.com/codeforge/pipeline-core/internal/events"
	"github.com/codeforge/pipeline-core/internal/health"
	"github.com/codeforge/pipeline-core/internal/jobqueue"
	"github.com/codeforge/pipeline-core/internal/outbox"
	"github.com/codeforge/pipeline-core/internal/pool"
	"github.com/codeforge/pipeline-core/internal/ratelimit"
	"github.com/codeforge/pipeline-core/internal/rediscoord"
	"github.com/codeforge/pipeline-core/internal/storage"
	"github.com/codeforge/pipeline-core/internal/sysmonitor"
	"github.com/codeforge/pipeline-core/internal/timeoutregistry"
)

// Deps bundles every already-constructed collaborator the coordinator
// wires together. Built ahead of time by cmd/pipelinectl so each
// component's own constructor stays in charge of its own defaulting.
type Deps struct {
	Store       storage.Store
	Timeouts    *timeoutregistry.Registry
	Breakers    *breaker.Registry
	Limiters    *ratelimit.Registry
	SysMonitor  *sysmonitor.Monitor
	Health      *health.Monitor
	Pool        *pool.Manager
	Checkpoints *checkpoint.Manager
	Outbox      *outbox.Manager
	Jobs        *jobqueue.Manager
	Bus         *events.Bus
	Cache       *rediscoord.Client
	Logger      *slog.Logger
}

// Config is the coordinator's own policy, per spec.md §4.11/§7.
type Config struct {
	Stages             []pool.StageDescriptor
	Handlers           map[string]StageHandler
	EventRoutes        map[string]string // eventType -> destination stage name
	GraphBuilder       GraphBuilder
	RequiredIdleChecks int
	CheckInterval      time.Duration
	MaxFailureRate     float64
	FailureWindow      time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequiredIdleChecks <= 0 {
		c.RequiredIdleChecks = 3
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 2 * time.Second
	}
	if c.MaxFailureRate <= 0 {
		c.MaxFailureRate = 0.2
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 5 * time.Minute
	}
	return c
}

// QueueName returns the logical queue name for a stage, per spec.md
// §6.4's queue surface.
func QueueName(stage string) string { return stage + "-queue" }

// Report summarizes one run's outcome for cmd/pipelinectl's exit-code
// policy, per spec.md §7.
type Report struct {
	RunID        string
	Completed    bool
	AbortedEarly bool
	AbortReason  string
	Graph        GraphBuildResult
}

type outcomeSample struct {
	at      time.Time
	success bool
}

// Coordinator is the Pipeline Coordinator (C10).
type Coordinator struct {
	deps Deps
	cfg  Config

	queues       map[string]*jobqueue.Queue
	workers      map[string]*pool.Worker
	graphBuilder GraphBuilder

	mu             sync.Mutex
	outcomes       []outcomeSample
	abortRequested bool
	abortReason    string
}

// New wires every stage's queue, breaker, limiter, and worker, per the
// boot order C1,C2,C3,C4,C7,C11,C5,C9,C6,C8 (timeouts/limiters/breakers/
// monitor/queues/health already live inside deps; this constructor
// completes C5's stage registration and builds C6's workers).
func New(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	graphBuilder := cfg.GraphBuilder
	if graphBuilder == nil {
		graphBuilder = DefaultGraphBuilder(deps.Checkpoints)
	}

	c := &Coordinator{
		deps:         deps,
		cfg:          cfg,
		queues:       make(map[string]*jobqueue.Queue),
		workers:      make(map[string]*pool.Worker),
		graphBuilder: graphBuilder,
	}

	for _, sd := range cfg.Stages {
		if err := deps.Pool.RegisterStage(sd); err != nil {
			return nil, fmt.Errorf("coordinator: register stage %s: %w", sd.Name, err)
		}

		if _, ok := deps.Breakers.Get(sd.Name); !ok {
			deps.Breakers.Register(sd.Name, breaker.Config{}, deps.Logger, nil)
		}
		if _, ok := deps.Limiters.Get(sd.Name); !ok {
			capacity := float64(sd.Max) * 2
			if err := deps.Limiters.Register(sd.Name, ratelimit.Config{Capacity: capacity, RefillPerSecond: capacity}); err != nil {
				return nil, fmt.Errorf("coordinator: register limiter for %s: %w", sd.Name, err)
			}
		}

		handler, ok := cfg.Handlers[sd.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoHandler, sd.Name)
		}

		q := deps.Jobs.Queue(QueueName(sd.Name))
		c.queues[sd.Name] = q

		w := pool.NewWorker(
			pool.WorkerConfig{Stage: sd.Name, MaxAttempts: sd.RetryAttempts + 1},
			q, deps.Pool,
			c.wrapHandler(sd.Name, handler),
			c.deadLetter(sd.Name),
			deps.Logger, c.poolEvent,
		)
		c.workers[sd.Name] = w
	}

	for eventType, stageName := range cfg.EventRoutes {
		q, ok := c.queues[stageName]
		if !ok {
			return nil, fmt.Errorf("coordinator: event route %s targets unregistered stage %s", eventType, stageName)
		}
		// Route on the row's own payload as the entity key rather than
		// outbox.Manager.RouteToQueue's default of the row ID: the stub
		// handlers forward the originating job's payload unchanged
		// end-to-end, so it stays the stable checkpoint entityID every
		// stage's prerequisite check chains off of.
		stage := stageName
		deps.Outbox.RouteEventType(eventType, func(ctx context.Context, row storage.OutboxRecord) error {
			_, err := q.Add(ctx, row.RunID, stage, string(row.Payload), row.Payload, jobqueue.AddOptions{})
			return err
		})
	}

	deps.Pool.SetQueueNonEmptyCheck(c.anyQueueNonEmpty)
	deps.Health.SetWorkerProbe(c.workerHealthProbe)
	deps.Bus.Subscribe(events.KindJobCompleted, c.recordOutcome(true))
	deps.Bus.Subscribe(events.KindJobFailed, c.recordOutcome(false))

	return c, nil
}

func (c *Coordinator) wrapHandler(stage string, h StageHandler) pool.Handler {
	return func(ctx context.Context, job *jobqueue.Job) error {
		tk := &Toolkit{Checkpoints: c.deps.Checkpoints, Outbox: c.deps.Outbox, RunID: job.RunID}
		return h(ctx, job, tk)
	}
}

// deadLetter records an exhausted-retries job as an outbox row of event
// type "<stage>.deadLettered" via the outbox's own Insert path, turning
// pool.Worker's callback-only dead-letter hook into a durable record. The
// row is delivered only where a route for that event type is registered;
// otherwise the outbox fails it with ErrNoTarget.
func (c *Coordinator) deadLetter(stage string) pool.DeadLetterFunc {
	return func(ctx context.Context, job *jobqueue.Job, cause error) {
		c.deps.Logger.Error("coordinator: job dead-lettered", "stage", stage, "jobId", job.ID, "error", cause)
		_ = c.deps.Outbox.Insert(ctx, storage.OutboxRecord{
			ID:        uuid.NewString(),
			RunID:     job.RunID,
			EventType: stage + ".deadLettered",
			Payload:   job.Payload,
		})
	}
}

func (c *Coordinator) poolEvent(kind, stage string, detail map[string]any) {
	c.deps.Bus.Publish(kind, stage, detail)
}

func (c *Coordinator) anyQueueNonEmpty() bool {
	for _, q := range c.queues {
		counts, err := q.GetJobCounts(context.Background())
		if err != nil {
			continue
		}
		if counts.Active+counts.Waiting+counts.Delayed > 0 {
			return true
		}
	}
	return false
}

func (c *Coordinator) workerHealthProbe(ctx context.Context) error {
	if c.deps.Breakers.AnyOpen() {
		return fmt.Errorf("coordinator: at least one stage breaker is open")
	}
	return nil
}

func (c *Coordinator) recordOutcome(success bool) events.Handler {
	return func(evt events.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.outcomes = append(c.outcomes, outcomeSample{at: evt.At, success: success})
		c.pruneOutcomesLocked(evt.At)
		if c.failureRateLocked() > c.cfg.MaxFailureRate {
			c.abortRequested = true
			c.abortReason = "failure rate exceeded maxFailureRate within failureWindow"
		}
	}
}

func (c *Coordinator) pruneOutcomesLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.FailureWindow)
	i := 0
	for ; i < len(c.outcomes); i++ {
		if c.outcomes[i].at.After(cutoff) {
			break
		}
	}
	c.outcomes = c.outcomes[i:]
}

func (c *Coordinator) failureRateLocked() float64 {
	if len(c.outcomes) == 0 {
		return 0
	}
	failed := 0
	for _, o := range c.outcomes {
		if !o.success {
			failed++
		}
	}
	return float64(failed) / float64(len(c.outcomes))
}

// Boot starts every background loop: sysmonitor sampling, health probes,
// adaptive scaling, the outbox publisher, the event bus, and every
// stage's worker. Connecting the store itself is the caller's
// responsibility (cmd/pipelinectl runs migrations between connect and
// Boot).
func (c *Coordinator) Boot(ctx context.Context) {
	c.deps.Bus.Start(ctx)
	go c.deps.SysMonitor.Run(ctx)
	go c.deps.Health.Run(ctx)
	go c.deps.Pool.RunAdaptiveScaling(ctx)
	go c.deps.Outbox.Run(ctx)
	for stage, w := range c.workers {
		c.deps.Logger.Info("coordinator: starting worker", "stage", stage)
		go w.Run(ctx)
	}
}

// StartRun seeds runID's file-analysis queue with one job per input file,
// per spec.md §4.11's producer role. File discovery itself is an
// external collaborator (§6.7); this accepts the already-resolved list.
func (c *Coordinator) StartRun(ctx context.Context, runID string, files []string) error {
	q, ok := c.queues["file-analysis"]
	if !ok {
		return fmt.Errorf("coordinator: no file-analysis stage registered")
	}
	for _, f := range files {
		if _, err := q.Add(ctx, runID, "file-analysis", f, []byte(f), jobqueue.AddOptions{}); err != nil {
			return fmt.Errorf("coordinator: seed %s: %w", f, err)
		}
	}
	return nil
}

// WaitForDrain polls every known queue's job counts every
// cfg.CheckInterval until all are empty for cfg.RequiredIdleChecks
// consecutive polls, or ctx is cancelled, or the failure-rate watchdog
// requests an early abort.
func (c *Coordinator) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	idle := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.mu.Lock()
			aborted := c.abortRequested
			reason := c.abortReason
			c.mu.Unlock()
			if aborted {
				return fmt.Errorf("coordinator: run aborted: %s", reason)
			}

			if c.anyQueueNonEmpty() {
				idle = 0
				continue
			}
			idle++
			if idle >= c.cfg.RequiredIdleChecks {
				return nil
			}
		}
	}
}

// Finish runs the final, synchronous graph build and writes the
// PIPELINE_COMPLETE checkpoint, validating it against the configured
// benchmarks, per spec.md §4.8.1/§4.11.
func (c *Coordinator) Finish(ctx context.Context, runID string, started time.Time) (Report, error) {
	result, err := c.graphBuilder(ctx, runID)
	if err != nil {
		return Report{RunID: runID}, fmt.Errorf("coordinator: graph build: %w", err)
	}

	cp, err := c.deps.Checkpoints.CreatePipelineComplete(ctx, runID, map[string]any{
		"totalNodes":         result.TotalNodes,
		"totalRelationships": result.TotalRelationships,
		"durationMs":         time.Since(started).Milliseconds(),
	})
	if err != nil {
		return Report{RunID: runID, Graph: result}, fmt.Errorf("coordinator: write pipeline-complete checkpoint: %w", err)
	}

	validation := c.deps.Checkpoints.Validate(cp, map[string]any{
		"totalNodes":         float64(result.TotalNodes),
		"totalRelationships": float64(result.TotalRelationships),
		"durationMs":         float64(time.Since(started).Milliseconds()),
	})
	status := storage.CheckpointCompleted
	if !validation.Valid {
		status = storage.CheckpointFailed
	}
	validationJSON := []byte("{}")
	if len(validation.Errors) > 0 {
		validationJSON = []byte(fmt.Sprintf("%q", validation.Errors))
	}
	if err := c.deps.Checkpoints.Update(ctx, cp.ID, storage.CheckpointPatch{
		Status: status, ValidationJSON: validationJSON,
	}); err != nil {
		return Report{RunID: runID, Graph: result}, fmt.Errorf("coordinator: finalize pipeline-complete checkpoint: %w", err)
	}

	return Report{RunID: runID, Completed: validation.Valid, Graph: result}, nil
}

// Shutdown tears every component down in the reverse of Boot's order —
// C6 workers, then C5's pool, then C8's outbox publisher, then C7's
// queues/store. Callers cancel the context passed to Boot first, which
// stops every background loop's polling ticker; Shutdown then bounds the
// in-flight drain and releases the store connection.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	pipelineTimeout := c.deps.Timeouts.MustGet(timeoutregistry.CategoryPipeline, "shutdown")
	c.deps.Pool.Shutdown(pipelineTimeout)

	busCtx, busCancel := context.WithTimeout(ctx, 5*time.Second)
	defer busCancel()
	if err := c.deps.Bus.Stop(busCtx); err != nil {
		c.deps.Logger.Warn("coordinator: event bus stop timed out", "error", err)
	}

	if err := c.deps.Jobs.CloseConnections(); err != nil {
		return fmt.Errorf("coordinator: close store: %w", err)
	}
	return nil
}

// KnownStageDescriptors builds a StageDescriptor set from
// config.KnownStages with uniform concurrency, for callers that don't
// need per-stage tuning.
func KnownStageDescriptors(base, min, max int) []pool.StageDescriptor {
	out := make([]pool.StageDescriptor, 0, len(config.KnownStages))
	for i, stage := range config.KnownStages {
		out = append(out, pool.StageDescriptor{
			Name: stage, Priority: len(config.KnownStages) - i,
			Base: base, Min: min, Max: max,
			RetryAttempts: 2, RetryDelay: 500 * time.Millisecond,
		})
	}
	return out
}
