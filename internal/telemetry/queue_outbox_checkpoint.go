package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// QueueMetrics tracks Queue Abstraction (C7) job counts and sweeps.
type QueueMetrics struct {
	JobCounts      *prometheus.GaugeVec
	AddedTotal     *prometheus.CounterVec
	SweptStaleTotal *prometheus.CounterVec
}

func newQueueMetrics(f promauto.Factory, ns string) *QueueMetrics {
	return &QueueMetrics{
		JobCounts: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "queue", Name: "job_counts",
			Help: "Job counts per queue and state (active/waiting/delayed/completed/failed).",
		}, []string{"queue", "state"}),
		AddedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "queue", Name: "added_total",
			Help: "Jobs added per queue.",
		}, []string{"queue"}),
		SweptStaleTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "queue", Name: "swept_stale_total",
			Help: "Jobs reclaimed by the stale-lease sweeper, per queue.",
		}, []string{"queue"}),
	}
}

// OutboxMetrics tracks Transactional Outbox Publisher (C8) throughput.
type OutboxMetrics struct {
	PublishedTotal *prometheus.CounterVec
	FailedTotal    *prometheus.CounterVec
	BatchSize      prometheus.Histogram
	PublishLatencySeconds *prometheus.HistogramVec
	PendingRows    prometheus.Gauge
}

func newOutboxMetrics(f promauto.Factory, ns string) *OutboxMetrics {
	return &OutboxMetrics{
		PublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "outbox", Name: "published_total",
			Help: "Outbox rows successfully published, by event type.",
		}, []string{"event_type"}),
		FailedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "outbox", Name: "failed_total",
			Help: "Outbox rows that exhausted publish attempts, by event type.",
		}, []string{"event_type"}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "outbox", Name: "batch_size",
			Help: "Rows claimed per publish batch.", Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		PublishLatencySeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "outbox", Name: "publish_latency_seconds",
			Help: "Time from claim to terminal status, by event type.", Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
		PendingRows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "outbox", Name: "pending_rows",
			Help: "Rows currently in status=pending.",
		}),
	}
}

// CheckpointMetrics tracks Checkpoint Manager (C9) activity.
type CheckpointMetrics struct {
	CreatedTotal      *prometheus.CounterVec
	ValidationFailedTotal *prometheus.CounterVec
	RollbacksTotal    prometheus.Counter
	InvalidatedTotal  prometheus.Counter
	OverheadPercent   prometheus.Gauge
}

func newCheckpointMetrics(f promauto.Factory, ns string) *CheckpointMetrics {
	return &CheckpointMetrics{
		CreatedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "checkpoint", Name: "created_total",
			Help: "Checkpoints created, by stage.",
		}, []string{"stage"}),
		ValidationFailedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "checkpoint", Name: "validation_failed_total",
			Help: "Checkpoint validation failures, by stage.",
		}, []string{"stage"}),
		RollbacksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "checkpoint", Name: "rollbacks_total",
			Help: "Rollback operations performed.",
		}),
		InvalidatedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "checkpoint", Name: "invalidated_total",
			Help: "Checkpoints invalidated by rollback.",
		}),
		OverheadPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "checkpoint", Name: "overhead_percent",
			Help: "Most recently measured checkpoint time as a percentage of total pipeline time.",
		}),
	}
}
