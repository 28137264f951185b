package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PoolMetrics tracks Worker-Pool Manager (C5) and Managed Worker (C6)
// behavior: slot occupancy, job outcomes, and retry counts.
type PoolMetrics struct {
	SlotsInUse        *prometheus.GaugeVec
	SlotsCapacity     *prometheus.GaugeVec
	GlobalSlotsInUse  prometheus.Gauge
	JobsCompletedTotal *prometheus.CounterVec
	JobsFailedTotal    *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec
	RetriesTotal       *prometheus.CounterVec
	ConcurrencyChangesTotal *prometheus.CounterVec
}

func newPoolMetrics(f promauto.Factory, ns string) *PoolMetrics {
	return &PoolMetrics{
		SlotsInUse: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "pool", Name: "stage_slots_in_use",
			Help: "Occupied concurrency slots per stage.",
		}, []string{"stage"}),
		SlotsCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "pool", Name: "stage_slots_capacity",
			Help: "Current concurrency ceiling per stage.",
		}, []string{"stage"}),
		GlobalSlotsInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "pool", Name: "global_slots_in_use",
			Help: "Occupied slots out of the global concurrency budget.",
		}),
		JobsCompletedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pool", Name: "jobs_completed_total",
			Help: "Jobs that completed successfully, by stage.",
		}, []string{"stage"}),
		JobsFailedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pool", Name: "jobs_failed_total",
			Help: "Failed job attempts, retried or terminal, by stage and error category.",
		}, []string{"stage", "category"}),
		JobDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "pool", Name: "job_duration_seconds",
			Help: "Stage handler execution duration.", Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		RetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pool", Name: "retries_total",
			Help: "Retry attempts issued, by stage.",
		}, []string{"stage"}),
		ConcurrencyChangesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pool", Name: "concurrency_changes_total",
			Help: "Adaptive or forced concurrency changes, by stage and reason.",
		}, []string{"stage", "reason"}),
	}
}
