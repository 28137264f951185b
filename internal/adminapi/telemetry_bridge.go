package adminapi

import (
	"context"
	"time"

	"github.com/codeforge/pipeline-core/internal/coordinator"
	"github.com/codeforge/pipeline-core/internal/events"
	"github.com/codeforge/pipeline-core/internal/telemetry"
)

// BridgeEvents subscribes reg to cfg.Bus's event stream, translating the
// subset of event kinds the worker-pool and system monitor actually emit
// (jobCompleted, jobFailed, concurrencyChanged, systemAlert) into the
// corresponding Prometheus series. Grounded on the teacher's
// middleware.MetricsMiddleware pattern of updating counters inline on
// the hot path rather than scraping derived state.
func BridgeEvents(cfg Config, reg *telemetry.Registry) {
	if cfg.Bus == nil || reg == nil {
		return
	}
	cfg.Bus.Subscribe(events.KindJobCompleted, func(evt events.Event) {
		reg.Pool().JobsCompletedTotal.WithLabelValues(evt.Stage).Inc()
		if ms, ok := evt.Detail["durationMs"].(int64); ok {
			reg.Pool().JobDurationSeconds.WithLabelValues(evt.Stage).Observe(float64(ms) / 1000)
		}
	})
	cfg.Bus.Subscribe(events.KindJobFailed, func(evt events.Event) {
		reason, _ := evt.Detail["reason"].(string)
		if reason == "" {
			reason = "unknown"
		}
		reg.Pool().JobsFailedTotal.WithLabelValues(evt.Stage, reason).Inc()
	})
	cfg.Bus.Subscribe(events.KindConcurrencyChanged, func(evt events.Event) {
		reason, _ := evt.Detail["reason"].(string)
		reg.Pool().ConcurrencyChangesTotal.WithLabelValues(evt.Stage, reason).Inc()
	})
	cfg.Bus.Subscribe(events.KindSystemAlert, func(evt events.Event) {
		metric, _ := evt.Detail["metric"].(string)
		level, _ := evt.Detail["level"].(string)
		if metric != "" {
			reg.Monitor().AlertsTotal.WithLabelValues(metric, level).Inc()
		}
	})
}

// RunScrapeLoop periodically samples state that has no natural "event"
// moment — slot occupancy, breaker state, queue depths, outbox backlog —
// into reg's gauges, grounded on internal/sysmonitor's own sampling-loop
// shape (ticker + one pass over tracked state per tick) rather than on
// any teacher HTTP-metrics file.
func RunScrapeLoop(ctx context.Context, cfg Config, reg *telemetry.Registry, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scrapeOnce(ctx, cfg, reg)
		}
	}
}

func scrapeOnce(ctx context.Context, cfg Config, reg *telemetry.Registry) {
	if cfg.Pool != nil {
		status := cfg.Pool.GetStatus()
		reg.Pool().GlobalSlotsInUse.Set(float64(status.GlobalInUse))
		for _, st := range status.Stages {
			reg.Pool().SlotsInUse.WithLabelValues(st.Name).Set(float64(st.InUse))
			reg.Pool().SlotsCapacity.WithLabelValues(st.Name).Set(float64(st.Capacity))
			reg.Breaker().State.WithLabelValues(st.Name).Set(breakerStateValue(st.Breaker.State.String()))
		}
	}

	if cfg.Jobs != nil {
		for _, stage := range []string{
			"file-analysis", "directory-aggregation", "directory-resolution",
			"relationship-resolution", "validation", "reconciliation", "graph-ingestion",
		} {
			counts, err := cfg.Jobs.Queue(coordinator.QueueName(stage)).GetJobCounts(ctx)
			if err != nil {
				continue
			}
			reg.Queue().JobCounts.WithLabelValues(stage, "active").Set(float64(counts.Active))
			reg.Queue().JobCounts.WithLabelValues(stage, "waiting").Set(float64(counts.Waiting))
			reg.Queue().JobCounts.WithLabelValues(stage, "delayed").Set(float64(counts.Delayed))
			reg.Queue().JobCounts.WithLabelValues(stage, "completed").Set(float64(counts.Completed))
			reg.Queue().JobCounts.WithLabelValues(stage, "failed").Set(float64(counts.Failed))
		}
	}

	if cfg.Store != nil {
		if pending, err := cfg.Store.PendingOutboxCount(ctx); err == nil {
			reg.Outbox().PendingRows.Set(float64(pending))
		}
	}
}

func breakerStateValue(s string) float64 {
	switch s {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
