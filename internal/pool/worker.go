package pool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codeforge/pipeline-core/internal/faults"
	"github.com/codeforge/pipeline-core/internal/jobqueue"
)

// Handler processes one job's payload for a stage.
type Handler func(ctx context.Context, job *jobqueue.Job) error

// DeadLetterFunc receives a job that exhausted its retries with no
// further recourse, generalized from the teacher's
// internal/infrastructure/publishing/queue_dlq.go DLQEntry shape
// (job id, payload, error, attempts, failure time) from webhook
// publishing to any stage's exhausted-retry jobs.
type DeadLetterFunc func(ctx context.Context, job *jobqueue.Job, cause error)

// WorkerConfig configures one Managed Worker.
type WorkerConfig struct {
	Stage           string
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	ShutdownTimeout time.Duration
	MaxAttempts     int
	Backoff         jobqueue.Backoff
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Worker is the Managed Worker (C6): one per stage, consuming from its
// queue and invoking Manager.ExecuteWithManagement.
type Worker struct {
	cfg     WorkerConfig
	queue   *jobqueue.Queue
	manager *Manager
	handler Handler
	onDLQ   DeadLetterFunc
	logger  *slog.Logger
	onEvt   EventFunc

	owner string
}

func NewWorker(cfg WorkerConfig, queue *jobqueue.Queue, manager *Manager, handler Handler, onDLQ DeadLetterFunc, logger *slog.Logger, onEvt EventFunc) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Worker{cfg: cfg, queue: queue, manager: manager, handler: handler, onDLQ: onDLQ, logger: logger, onEvt: onEvt, owner: cfg.Stage + "-worker"}
}

// Run polls the queue until ctx is cancelled. Jobs execute on Run's own
// goroutine under ctx, so cancelling ctx also cancels the job in
// progress; Run does not wait for cfg.ShutdownTimeout before returning.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainAvailable(ctx)
		}
	}
}

func (w *Worker) drainAvailable(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Claim(ctx, w.owner, w.cfg.LeaseDuration)
		if err != nil {
			w.logger.Warn("pool: claim failed", "stage", w.cfg.Stage, "error", err)
			return
		}
		if job == nil {
			return
		}
		w.execute(ctx, job)
	}
}

func (w *Worker) execute(ctx context.Context, job *jobqueue.Job) {
	start := time.Now()
	err := w.manager.ExecuteWithManagement(ctx, w.cfg.Stage, func(opCtx context.Context) error {
		return w.handler(opCtx, job)
	}, map[string]any{"jobId": job.ID})

	duration := time.Since(start)

	if err == nil {
		if compErr := w.queue.Complete(ctx, job.ID); compErr != nil {
			w.logger.Error("pool: complete job failed", "jobId", job.ID, "error", compErr)
		}
		w.emit("jobCompleted", map[string]any{"jobId": job.ID, "durationMs": duration.Milliseconds()})
		return
	}

	if errors.Is(err, ErrShutdown) {
		return // leave the job claimed; its lease will be reclaimed next run
	}

	if job.Attempts+1 >= w.cfg.MaxAttempts {
		if w.onDLQ != nil {
			w.onDLQ(ctx, job, err)
			_ = w.queue.Complete(ctx, job.ID) // remove from the active queue, DLQ owns it now
		} else if failErr := w.queue.Fail(ctx, job.ID); failErr != nil {
			w.logger.Error("pool: fail job failed", "jobId", job.ID, "error", failErr)
		}
		w.emit("jobFailed", map[string]any{"jobId": job.ID, "error": err.Error(), "reason": faults.Category(err)})
		return
	}

	if retryErr := w.queue.Retry(ctx, job, w.cfg.Backoff, w.cfg.MaxAttempts); retryErr != nil {
		w.logger.Error("pool: retry job failed", "jobId", job.ID, "error", retryErr)
	}
	w.emit("jobFailed", map[string]any{"jobId": job.ID, "error": err.Error(), "reason": faults.Category(err)})
}

func (w *Worker) emit(kind string, detail map[string]any) {
	if w.onEvt != nil {
		w.onEvt(kind, w.cfg.Stage, detail)
	}
}
