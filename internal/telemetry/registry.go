// Package telemetry provides the Prometheus metrics registry for the
// worker-pool/job-orchestration core, adapted from the teacher's
// category-registry pattern (pkg/metrics/registry.go) to this module's
// own component taxonomy.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the central collection of Prometheus metrics for every
// component in the core. Unlike the teacher's package-global singleton,
// each Registry owns its own prometheus.Registry instance so tests can
// construct an isolated one instead of colliding on process-wide default
// registration — the teacher's singleton habit is the one redesign this
// package declines to carry (spec.md §9 flags singletons with mutable
// global state for replacement by explicit construction).
type Registry struct {
	namespace string
	reg       *prometheus.Registry
	factory   promauto.Factory

	poolOnce       sync.Once
	pool           *PoolMetrics
	queueOnce      sync.Once
	queue          *QueueMetrics
	outboxOnce     sync.Once
	outbox         *OutboxMetrics
	checkpointOnce sync.Once
	checkpoint     *CheckpointMetrics
	breakerOnce    sync.Once
	breaker        *BreakerMetrics
	monitorOnce    sync.Once
	monitor        *MonitorMetrics
}

// New creates a Registry backed by a fresh prometheus.Registry.
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	return &Registry{
		namespace: namespace,
		reg:       reg,
		factory:   promauto.With(reg),
	}
}

// Registerer exposes the underlying prometheus.Registerer, e.g. for an
// admin API's /metrics handler.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// Gatherer exposes the underlying prometheus.Gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Pool returns the C5/C6 worker-pool metrics, lazily initialized.
func (r *Registry) Pool() *PoolMetrics {
	r.poolOnce.Do(func() { r.pool = newPoolMetrics(r.factory, r.namespace) })
	return r.pool
}

// Queue returns the C7 queue metrics, lazily initialized.
func (r *Registry) Queue() *QueueMetrics {
	r.queueOnce.Do(func() { r.queue = newQueueMetrics(r.factory, r.namespace) })
	return r.queue
}

// Outbox returns the C8 outbox metrics, lazily initialized.
func (r *Registry) Outbox() *OutboxMetrics {
	r.outboxOnce.Do(func() { r.outbox = newOutboxMetrics(r.factory, r.namespace) })
	return r.outbox
}

// Checkpoint returns the C9 checkpoint metrics, lazily initialized.
func (r *Registry) Checkpoint() *CheckpointMetrics {
	r.checkpointOnce.Do(func() { r.checkpoint = newCheckpointMetrics(r.factory, r.namespace) })
	return r.checkpoint
}

// Breaker returns the C3 circuit breaker metrics, lazily initialized.
func (r *Registry) Breaker() *BreakerMetrics {
	r.breakerOnce.Do(func() { r.breaker = newBreakerMetrics(r.factory, r.namespace) })
	return r.breaker
}

// Monitor returns the C4 system monitor metrics, lazily initialized.
func (r *Registry) Monitor() *MonitorMetrics {
	r.monitorOnce.Do(func() { r.monitor = newMonitorMetrics(r.factory, r.namespace) })
	return r.monitor
}
