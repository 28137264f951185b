// Package pool implements the Worker-Pool Manager (C5) and Managed
// Worker (C6) of spec.md §4.4/§4.5. The central executeWithManagement
// contract composes internal/breaker (C3), internal/ratelimit (C2), and
// a pair of resizable semaphores (global + per-stage) the way the
// teacher's internal/infrastructure/publishing.PublishingQueue composes
// a worker pool out of priority channels and retry/backoff around one
// webhook-publish operation — generalized here to an arbitrary stage
// operation. The retry loop's exponential backoff is grounded on
// internal/core/resilience.WithRetry's RetryPolicy (base delay,
// multiplier, cap, jitter optional), adapted from a flat ceiling to
// spec.md's "final delay ≤ 60s" cap.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/codeforge/pipeline-core/internal/breaker"
	"github.com/codeforge/pipeline-core/internal/ratelimit"
	"github.com/codeforge/pipeline-core/internal/sysmonitor"
)

// StageDescriptor registers one stage's concurrency envelope and
// execution budgets, per spec.md §4.4's registerStage.
type StageDescriptor struct {
	Name            string
	Priority        int // higher runs first in forced-distribution and top-N rules
	Base            int
	Min             int
	Max             int
	JobTimeout      time.Duration
	SlotAcquisition time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
}

func (d StageDescriptor) withDefaults() StageDescriptor {
	if d.JobTimeout <= 0 {
		d.JobTimeout = 2 * time.Minute
	}
	if d.SlotAcquisition <= 0 {
		d.SlotAcquisition = 10 * time.Second
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = 500 * time.Millisecond
	}
	if d.Min <= 0 {
		d.Min = 1
	}
	if d.Max < d.Min {
		d.Max = d.Min
	}
	if d.Base < d.Min {
		d.Base = d.Min
	}
	if d.Base > d.Max {
		d.Base = d.Max
	}
	return d
}

type stageState struct {
	descriptor    StageDescriptor
	sem           *semaphore
	curConc       int
	cooldownUntil time.Time
}

// ScalingConfig configures the adaptive-scaling thresholds of
// spec.md §4.4.
type ScalingConfig struct {
	AdaptiveInterval  time.Duration
	Cooldown          time.Duration
	CPUCritical       float64
	MemoryCritical    float64
	LoadCritical      float64
	CPULowThreshold   float64
	ScaleDownFactor   float64
	ScaleUpFactor     float64
	Predictive        bool
	PredictionHorizon time.Duration
	PredictionMinConf float64
	GCOnPressure      func()
}

func (c ScalingConfig) withDefaults() ScalingConfig {
	if c.AdaptiveInterval <= 0 {
		c.AdaptiveInterval = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.CPUCritical <= 0 {
		c.CPUCritical = 85
	}
	if c.MemoryCritical <= 0 {
		c.MemoryCritical = 90
	}
	if c.LoadCritical <= 0 {
		c.LoadCritical = 90
	}
	if c.CPULowThreshold <= 0 {
		c.CPULowThreshold = 30
	}
	if c.ScaleDownFactor <= 0 {
		c.ScaleDownFactor = 0.7
	}
	if c.ScaleUpFactor <= 0 {
		c.ScaleUpFactor = 1.3
	}
	if c.PredictionMinConf <= 0 {
		c.PredictionMinConf = 75
	}
	return c
}

// EventFunc receives the manager's lifecycle events.
type EventFunc func(kind string, stage string, detail map[string]any)

// Manager is the Worker-Pool Manager (C5).
type Manager struct {
	globalCap int
	globalSem *semaphore

	breakers  *breaker.Registry
	limiters  *ratelimit.Registry
	monitor   *sysmonitor.Monitor
	scaling   ScalingConfig
	logger    *slog.Logger
	onEvt     EventFunc

	mu           sync.Mutex
	stages       map[string]*stageState
	order        []string // registration order, for deterministic iteration
	shuttingDown bool
	forced       *int

	wg            sync.WaitGroup
	shutdownCtx   context.Context
	shutdownStop  context.CancelFunc

	queueNonEmpty func() bool
}

func NewManager(globalCap int, breakers *breaker.Registry, limiters *ratelimit.Registry, monitor *sysmonitor.Monitor, scaling ScalingConfig, logger *slog.Logger, onEvt EventFunc) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		globalCap:    globalCap,
		globalSem:    newSemaphore(globalCap),
		breakers:     breakers,
		limiters:     limiters,
		monitor:      monitor,
		scaling:      scaling.withDefaults(),
		logger:       logger,
		onEvt:        onEvt,
		stages:       make(map[string]*stageState),
		shutdownCtx:  ctx,
		shutdownStop: cancel,
	}
}

// RegisterStage is idempotent; rejects a descriptor whose base
// allocation would push the sum of all stages' base allocations past
// the global cap.
func (m *Manager) RegisterStage(d StageDescriptor) error {
	d = d.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()

	total := d.Base
	for name, st := range m.stages {
		if name == d.Name {
			continue
		}
		total += st.descriptor.Base
	}
	if total > m.globalCap {
		return fmt.Errorf("%w: stage %s base %d pushes total to %d > cap %d", ErrCapacityExceeded, d.Name, d.Base, total, m.globalCap)
	}

	if existing, ok := m.stages[d.Name]; ok {
		existing.descriptor = d
		existing.sem.resize(d.Base)
		existing.curConc = d.Base
		return nil
	}

	m.stages[d.Name] = &stageState{descriptor: d, sem: newSemaphore(d.Base), curConc: d.Base}
	m.order = append(m.order, d.Name)
	return nil
}

func (m *Manager) stage(name string) (*stageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}
	return st, nil
}

// mergeCancel returns a context cancelled when either a or b is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := make(chan struct{})
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-stop:
		}
	}()
	return ctx, func() {
		close(stop)
		cancel()
	}
}

// ExecuteWithManagement is the central contract of spec.md §4.4.
func (m *Manager) ExecuteWithManagement(ctx context.Context, stageName string, op func(context.Context) error, meta map[string]any) error {
	st, err := m.stage(stageName)
	if err != nil {
		return err
	}

	m.mu.Lock()
	shuttingDown := m.shuttingDown
	m.mu.Unlock()
	if shuttingDown {
		return ErrShutdown
	}

	m.wg.Add(1)
	defer m.wg.Done()

	runCtx, cancelMerge := mergeCancel(ctx, m.shutdownCtx)
	defer cancelMerge()

	b, _ := m.breakers.Get(stageName)
	limiter, hasLimiter := m.limiters.Get(stageName)

	var lastErr error
	for attempt := 0; attempt <= st.descriptor.RetryAttempts; attempt++ {
		if runCtx.Err() != nil {
			return ErrShutdown
		}

		admitted := true
		if b != nil {
			admitted, err = b.Admit()
			if !admitted {
				return err // ErrTripped: not counted against retries
			}
		}

		err = m.runOnce(runCtx, st, limiter, hasLimiter, op)
		if b != nil {
			b.Record(err == nil)
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrShutdown) {
			return err
		}
		if attempt == st.descriptor.RetryAttempts {
			break
		}

		delay := backoffDelay(st.descriptor.RetryDelay, attempt)
		select {
		case <-time.After(delay):
		case <-runCtx.Done():
			return ErrShutdown
		}
	}

	return fmt.Errorf("%w: %s exhausted %d attempts: %v", ErrTransient, stageName, st.descriptor.RetryAttempts+1, lastErr)
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	const cap60s = 60 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > cap60s || d <= 0 {
		return cap60s
	}
	return d
}

func (m *Manager) runOnce(ctx context.Context, st *stageState, limiter *ratelimit.Limiter, hasLimiter bool, op func(context.Context) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, st.descriptor.SlotAcquisition)
	defer cancel()

	if hasLimiter {
		if err := limiter.Acquire(acquireCtx, 1); err != nil {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}

	if err := m.globalSem.acquire(acquireCtx); err != nil {
		if errors.Is(err, ErrShutdown) {
			return err
		}
		return fmt.Errorf("%w: global slot: %v", ErrRateLimited, err)
	}
	defer m.globalSem.release()

	if err := st.sem.acquire(acquireCtx); err != nil {
		if errors.Is(err, ErrShutdown) {
			return err
		}
		return fmt.Errorf("%w: stage slot: %v", ErrRateLimited, err)
	}
	defer st.sem.release()

	opCtx, opCancel := context.WithTimeout(ctx, st.descriptor.JobTimeout)
	defer opCancel()

	err := op(opCtx)
	if err != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// UpdateConcurrency clamps newValue to [min,max] and fails if the new
// total across all stages would exceed the global cap.
func (m *Manager) UpdateConcurrency(stageName string, newValue int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stages[stageName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stageName)
	}

	if newValue < st.descriptor.Min {
		newValue = st.descriptor.Min
	}
	if newValue > st.descriptor.Max {
		newValue = st.descriptor.Max
	}

	total := newValue
	for name, other := range m.stages {
		if name == stageName {
			continue
		}
		total += other.curConc
	}
	if total > m.globalCap {
		return fmt.Errorf("%w: %s to %d pushes total to %d > cap %d", ErrCapacityExceeded, stageName, newValue, total, m.globalCap)
	}

	old := st.curConc
	st.curConc = newValue
	st.sem.resize(newValue)
	m.logger.Info("pool: concurrency updated", "stage", stageName, "old", old, "new", newValue, "reason", reason)
	m.emit("concurrencyChanged", stageName, map[string]any{"old": old, "new": newValue, "reason": reason})
	return nil
}

func (m *Manager) emit(kind, stage string, detail map[string]any) {
	if m.onEvt != nil {
		m.onEvt(kind, stage, detail)
	}
}

// StageStatus is one stage's snapshot for GetStatus.
type StageStatus struct {
	Name       string
	InUse      int
	Capacity   int
	Breaker    breaker.Status
	TokensLeft float64
}

// Status is the GetStatus snapshot, per spec.md §4.4.
type Status struct {
	GlobalInUse     int
	GlobalCapacity  int
	Stages          []StageStatus
	ForcedTotal     *int
}

func (m *Manager) GetStatus() Status {
	inUse, capacity := m.globalSem.snapshot()

	m.mu.Lock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	forced := m.forced
	m.mu.Unlock()

	stages := make([]StageStatus, 0, len(names))
	for _, name := range names {
		st, err := m.stage(name)
		if err != nil {
			continue
		}
		su, sc := st.sem.snapshot()
		var bst breaker.Status
		if b, ok := m.breakers.Get(name); ok {
			bst = b.Status()
		}
		tokens := 0.0
		if l, ok := m.limiters.Get(name); ok {
			tokens = l.Tokens()
		}
		stages = append(stages, StageStatus{Name: name, InUse: su, Capacity: sc, Breaker: bst, TokensLeft: tokens})
	}

	return Status{GlobalInUse: inUse, GlobalCapacity: capacity, Stages: stages, ForcedTotal: forced}
}

// Shutdown stops accepting new executions immediately and waits up to
// timeout for in-flight work to drain before cancelling the rest.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		m.shutdownStop()
		<-done
	}

	m.globalSem.close()
	m.mu.Lock()
	for _, st := range m.stages {
		st.sem.close()
	}
	m.mu.Unlock()
}

// RunAdaptiveScaling starts the adaptive-scaling ticker until ctx is
// cancelled, per spec.md §4.4.
func (m *Manager) RunAdaptiveScaling(ctx context.Context) {
	if m.monitor == nil {
		return
	}
	ticker := time.NewTicker(m.scaling.AdaptiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.adaptOnce()
		}
	}
}

func (m *Manager) adaptOnce() {
	m.mu.Lock()
	forced := m.forced != nil
	m.mu.Unlock()
	if forced {
		return // forced allocation bypasses adaptive scaling
	}

	cpu := m.metricValue(sysmonitor.MetricCPUPercent)
	mem := m.metricValue(sysmonitor.MetricMemoryPercent)
	load := m.metricValue(sysmonitor.MetricLoad1)
	cpuTrend := m.monitor.Trend(sysmonitor.MetricCPUPercent)

	if m.scaling.Predictive {
		pred := m.monitor.Predict(sysmonitor.MetricCPUPercent)
		if cpuTrend.Confidence >= m.scaling.PredictionMinConf {
			cpu = pred.ProjectedValue
		}
	}

	var factor float64
	var matched bool
	switch {
	case cpu > m.scaling.CPUCritical:
		factor, matched = m.scaling.ScaleDownFactor, true
	case mem > m.scaling.MemoryCritical:
		factor, matched = m.scaling.ScaleDownFactor, true
	case load > m.scaling.LoadCritical:
		factor, matched = m.scaling.ScaleDownFactor, true
		if m.scaling.GCOnPressure != nil {
			m.scaling.GCOnPressure()
		}
	case cpu < m.scaling.CPULowThreshold && cpuTrend.Direction == sysmonitor.DirectionDecreasing && m.anyQueueNonEmpty():
		factor, matched = m.scaling.ScaleUpFactor, true
	}
	if !matched {
		return
	}

	m.mu.Lock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.Unlock()

	now := time.Now()
	for _, name := range names {
		st, err := m.stage(name)
		if err != nil {
			continue
		}
		if now.Before(st.cooldownUntil) {
			continue
		}
		newVal := int(math.Round(float64(st.curConc) * factor))
		if err := m.UpdateConcurrency(name, newVal, "adaptive scaling"); err == nil {
			m.mu.Lock()
			st.cooldownUntil = now.Add(m.scaling.Cooldown)
			m.mu.Unlock()
		}
	}
}

func (m *Manager) metricValue(metric string) float64 {
	snap := m.monitor.Snapshot(metric)
	if len(snap) == 0 {
		return 0
	}
	return snap[len(snap)-1]
}

// anyQueueNonEmpty is overridable by the coordinator; by default
// assumes queues may have work so scale-up rule 4 isn't permanently
// inert when no queue-depth hook is wired.
var defaultQueueCheck = func() bool { return true }

func (m *Manager) anyQueueNonEmpty() bool {
	if m.queueNonEmpty != nil {
		return m.queueNonEmpty()
	}
	return defaultQueueCheck()
}

// SetQueueNonEmptyCheck installs the hook rule 4 uses to confirm queues
// still have backlog before scaling up.
func (m *Manager) SetQueueNonEmptyCheck(fn func() bool) {
	m.queueNonEmpty = fn
}

// SetForcedTotal distributes F slots across known stages by priority,
// bypassing adaptive scaling, per spec.md §4.4's distributed override.
func (m *Manager) SetForcedTotal(f int) {
	m.mu.Lock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.forced = &f
	m.mu.Unlock()

	sort.Slice(names, func(i, j int) bool {
		si, _ := m.stage(names[i])
		sj, _ := m.stage(names[j])
		return si.descriptor.Priority > sj.descriptor.Priority
	})

	n := len(names)
	if n == 0 {
		return
	}

	if f < n {
		for i, name := range names {
			alloc := 0
			if i < f {
				alloc = 1
			}
			m.forceResize(name, alloc)
		}
		return
	}

	base := f / n
	remainder := f % n
	for i, name := range names {
		alloc := base
		if i < remainder {
			alloc++
		}
		m.forceResize(name, alloc)
	}
}

func (m *Manager) forceResize(name string, alloc int) {
	st, err := m.stage(name)
	if err != nil {
		return
	}
	st.curConc = alloc
	st.sem.resize(alloc)
	m.logger.Info("pool: forced concurrency", "stage", name, "value", alloc)
}

// ClearForced resumes adaptive scaling control.
func (m *Manager) ClearForced() {
	m.mu.Lock()
	m.forced = nil
	m.mu.Unlock()
}
