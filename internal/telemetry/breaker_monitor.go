package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BreakerMetrics tracks Circuit Breaker (C3) state.
type BreakerMetrics struct {
	State              *prometheus.GaugeVec
	TransitionsTotal   *prometheus.CounterVec
	TrippedCallsTotal  *prometheus.CounterVec
}

func newBreakerMetrics(f promauto.Factory, ns string) *BreakerMetrics {
	return &BreakerMetrics{
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "breaker", Name: "state",
			Help: "Breaker state per stage: 0=closed, 1=half_open, 2=open.",
		}, []string{"stage"}),
		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "breaker", Name: "transitions_total",
			Help: "Breaker state transitions, by stage, from-state, and to-state.",
		}, []string{"stage", "from", "to"}),
		TrippedCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "breaker", Name: "tripped_calls_total",
			Help: "Calls fast-failed because the breaker was open, by stage.",
		}, []string{"stage"}),
	}
}

// MonitorMetrics tracks System Monitor (C4) samples and alerts.
type MonitorMetrics struct {
	CPUPercent     prometheus.Gauge
	MemoryPercent  prometheus.Gauge
	LoadAvg1       prometheus.Gauge
	AlertsTotal    *prometheus.CounterVec
	ScalingActionsTotal *prometheus.CounterVec
}

func newMonitorMetrics(f promauto.Factory, ns string) *MonitorMetrics {
	return &MonitorMetrics{
		CPUPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "monitor", Name: "cpu_percent",
			Help: "Most recent CPU usage sample.",
		}),
		MemoryPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "monitor", Name: "memory_percent",
			Help: "Most recent system memory usage sample.",
		}),
		LoadAvg1: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "monitor", Name: "load_avg_1",
			Help: "Most recent 1-minute load average sample.",
		}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "monitor", Name: "alerts_total",
			Help: "Threshold alerts raised, by metric and level.",
		}, []string{"metric", "level"}),
		ScalingActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "monitor", Name: "scaling_actions_total",
			Help: "Adaptive scaling rule applications, by stage and rule.",
		}, []string{"stage", "rule"}),
	}
}
