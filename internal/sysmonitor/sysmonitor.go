// Package sysmonitor samples host resource usage on an interval, keeps a
// bounded ring buffer per metric, and computes linear-regression trends
// and threshold alerts from it, per spec.md §4.9. Sampling uses
// github.com/shirou/gopsutil/v4 (cpu/mem/load sub-packages); the
// ring-buffer/alert/trend machinery around it follows the periodic
// check-and-flip shape of the teacher's
// internal/database/postgres/health.go PeriodicHealthChecker, generalized
// from a single pass/fail probe to multiple numeric metrics.
package sysmonitor

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Metric names tracked by the sampler.
const (
	MetricCPUPercent    = "cpu_percent"
	MetricMemoryPercent = "memory_percent"
	MetricLoad1         = "load1"
)

var trackedMetrics = []string{MetricCPUPercent, MetricMemoryPercent, MetricLoad1}

// Config configures sampling cadence, history retention and alert
// thresholds, per spec.md §4.9's monitoringInterval/historySize/
// trendWindowSize/predictionHorizon defaults.
type Config struct {
	SamplingInterval time.Duration
	HistorySize      int
	TrendWindowSize  int
	PredictionHorizon time.Duration
	AlertCooldown    time.Duration
	Thresholds       map[string]Threshold
}

// Threshold holds the warning and critical levels for one metric.
type Threshold struct {
	Warning  float64
	Critical float64
}

func (c Config) withDefaults() Config {
	if c.SamplingInterval <= 0 {
		c.SamplingInterval = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 120
	}
	if c.TrendWindowSize <= 0 {
		c.TrendWindowSize = 20
	}
	if c.PredictionHorizon <= 0 {
		c.PredictionHorizon = time.Minute
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = 2 * time.Minute
	}
	if c.Thresholds == nil {
		c.Thresholds = map[string]Threshold{
			MetricCPUPercent:    {Warning: 75, Critical: 90},
			MetricMemoryPercent: {Warning: 80, Critical: 92},
			MetricLoad1:         {Warning: 4, Critical: 8},
		}
	}
	return c
}

// Direction classifies a metric's recent trend.
type Direction string

const (
	DirectionIncreasing     Direction = "increasing"
	DirectionDecreasing     Direction = "decreasing"
	DirectionStable         Direction = "stable"
	DirectionInsufficient   Direction = "insufficient_data"
)

// Trend is the linear-regression summary for one metric over the last
// TrendWindowSize samples.
type Trend struct {
	Direction  Direction
	Confidence float64 // 0-100
	SlopePerS  float64
}

// Prediction extrapolates a metric PredictionHorizon ahead and attaches a
// scaling recommendation for C5.
type Prediction struct {
	Metric         string
	ProjectedValue float64
	Recommendation string
}

// AlertLevel classifies a threshold breach.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is emitted when a sample crosses a configured threshold, subject
// to the cooldown.
type Alert struct {
	Metric string
	Level  AlertLevel
	Value  float64
	At     time.Time
}

type sample struct {
	at    time.Time
	value float64
}

type ring struct {
	buf  []sample
	size int
}

func newRing(size int) *ring {
	return &ring{buf: make([]sample, 0, size), size: size}
}

func (r *ring) push(s sample) {
	r.buf = append(r.buf, s)
	if len(r.buf) > r.size {
		r.buf = r.buf[len(r.buf)-r.size:]
	}
}

func (r *ring) snapshot() []sample {
	out := make([]sample, len(r.buf))
	copy(out, r.buf)
	return out
}

// Sampler is the gopsutil-backed source of raw metric readings. Swappable
// in tests.
type Sampler interface {
	Sample(ctx context.Context) (map[string]float64, error)
}

type gopsutilSampler struct{}

func (gopsutilSampler) Sample(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64, len(trackedMetrics))

	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(cpuPct) > 0 {
		out[MetricCPUPercent] = cpuPct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil && vm != nil {
		out[MetricMemoryPercent] = vm.UsedPercent
	}

	la, err := load.AvgWithContext(ctx)
	if err == nil && la != nil {
		out[MetricLoad1] = la.Load1
	}

	return out, nil
}

// Monitor samples host metrics on an interval and keeps a bounded ring
// buffer per metric. The ring buffer is written by a single goroutine
// (Run) and read by multiple consumers via copy-on-read snapshots, per
// spec.md §5's shared-resource policy.
type Monitor struct {
	cfg     Config
	sampler Sampler
	logger  *slog.Logger
	onAlert func(Alert)

	mu            sync.RWMutex
	rings         map[string]*ring
	lastAlertAt   map[string]time.Time
	lastAlertLvl  map[string]AlertLevel
}

func New(cfg Config, logger *slog.Logger, onAlert func(Alert)) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	rings := make(map[string]*ring, len(trackedMetrics))
	for _, m := range trackedMetrics {
		rings[m] = newRing(cfg.HistorySize)
	}
	return &Monitor{
		cfg:          cfg,
		sampler:      gopsutilSampler{},
		logger:       logger,
		onAlert:      onAlert,
		rings:        rings,
		lastAlertAt:  make(map[string]time.Time),
		lastAlertLvl: make(map[string]AlertLevel),
	}
}

// WithSampler overrides the default gopsutil sampler, for tests.
func (m *Monitor) WithSampler(s Sampler) *Monitor {
	m.sampler = s
	return m
}

// Run samples on cfg.SamplingInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SamplingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	values, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("sysmonitor: sample failed", "error", err)
		return
	}
	now := time.Now()

	m.mu.Lock()
	for metric, v := range values {
		r, ok := m.rings[metric]
		if !ok {
			r = newRing(m.cfg.HistorySize)
			m.rings[metric] = r
		}
		r.push(sample{at: now, value: v})
	}
	m.mu.Unlock()

	for metric, v := range values {
		m.checkThreshold(metric, v, now)
	}
}

func (m *Monitor) checkThreshold(metric string, value float64, now time.Time) {
	th, ok := m.cfg.Thresholds[metric]
	if !ok {
		return
	}

	var level AlertLevel
	switch {
	case value >= th.Critical:
		level = AlertCritical
	case value >= th.Warning:
		level = AlertWarning
	default:
		m.mu.Lock()
		delete(m.lastAlertLvl, metric)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	last, fired := m.lastAlertAt[metric]
	sameLevel := m.lastAlertLvl[metric] == level
	withinCooldown := fired && now.Sub(last) < m.cfg.AlertCooldown
	if sameLevel && withinCooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlertAt[metric] = now
	m.lastAlertLvl[metric] = level
	m.mu.Unlock()

	alert := Alert{Metric: metric, Level: level, Value: value, At: now}
	m.logger.Warn("sysmonitor: threshold crossed", "metric", metric, "level", level, "value", value)
	if m.onAlert != nil {
		m.onAlert(alert)
	}
}

// Snapshot returns a copy of the current ring buffer for one metric.
func (m *Monitor) Snapshot(metric string) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rings[metric]
	if !ok {
		return nil
	}
	snap := r.snapshot()
	out := make([]float64, len(snap))
	for i, s := range snap {
		out[i] = s.value
	}
	return out
}

// Trend computes the linear-regression trend for one metric over the
// last cfg.TrendWindowSize samples.
func (m *Monitor) Trend(metric string) Trend {
	m.mu.RLock()
	r, ok := m.rings[metric]
	var samples []sample
	if ok {
		samples = r.snapshot()
	}
	m.mu.RUnlock()

	if len(samples) < 3 {
		return Trend{Direction: DirectionInsufficient}
	}
	if len(samples) > m.cfg.TrendWindowSize {
		samples = samples[len(samples)-m.cfg.TrendWindowSize:]
	}
	return regress(samples)
}

// Predict extrapolates the metric cfg.PredictionHorizon ahead using its
// current trend and attaches a scaling recommendation for C5.
func (m *Monitor) Predict(metric string) Prediction {
	t := m.Trend(metric)
	m.mu.RLock()
	r := m.rings[metric]
	var last float64
	if r != nil && len(r.buf) > 0 {
		last = r.buf[len(r.buf)-1].value
	}
	m.mu.RUnlock()

	projected := last + t.SlopePerS*m.cfg.PredictionHorizon.Seconds()

	rec := "maintain"
	th, hasTh := m.cfg.Thresholds[metric]
	switch {
	case t.Direction == DirectionIncreasing && hasTh && projected >= th.Warning:
		rec = "scale_down"
	case t.Direction == DirectionDecreasing && t.Confidence > 50:
		rec = "scale_up_candidate"
	}

	return Prediction{Metric: metric, ProjectedValue: projected, Recommendation: rec}
}

// regress fits a simple linear regression (value over elapsed seconds)
// and classifies the slope into a direction with a confidence derived
// from the correlation coefficient.
func regress(samples []sample) Trend {
	n := float64(len(samples))
	t0 := samples[0].at

	var sumX, sumY, sumXY, sumXX, sumYY float64
	for _, s := range samples {
		x := s.at.Sub(t0).Seconds()
		y := s.value
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
		sumYY += y * y
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return Trend{Direction: DirectionStable, Confidence: 0}
	}
	slope := (n*sumXY - sumX*sumY) / denom

	// Pearson correlation coefficient, used as a confidence proxy.
	corrDenom := (n*sumXX - sumX*sumX) * (n*sumYY - sumY*sumY)
	var r float64
	if corrDenom > 0 {
		r = (n*sumXY - sumX*sumY) / math.Sqrt(corrDenom)
	}
	confidence := r * r * 100
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	meanY := sumY / n
	relThreshold := 0.01
	if meanY != 0 {
		relThreshold = 0.001 * absF(meanY)
	}

	direction := DirectionStable
	switch {
	case slope > relThreshold:
		direction = DirectionIncreasing
	case slope < -relThreshold:
		direction = DirectionDecreasing
	}

	return Trend{Direction: direction, Confidence: confidence, SlopePerS: slope}
}

func absF(v float64) float64 {
	return math.Abs(v)
}
