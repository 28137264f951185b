// Package breaker implements the three-state circuit breaker of
// spec.md §4.3, grounded on the teacher's
// internal/infrastructure/llm.CircuitBreaker: mutex-protected state
// machine, before/after-call hooks around the wrapped operation, and a
// logger/metrics pair fed on every transition. Generalized from an
// LLM-only fixed sliding window to spec.md's consecutive-count state
// machine (closed/halfOpen/open) with a bounded transition history and
// manual force-open/force-close overrides.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeforge/pipeline-core/internal/faults"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ErrTripped is returned by Execute when the breaker is open (or its
// half-open probe slots are full) and no fallback was supplied. Aliased
// to faults.ErrTripped so faults.Retryable/Category classify it like
// every other component's circuit-open error.
var ErrTripped = faults.ErrTripped

// Config configures one stage's breaker, per spec.md §4.3's defaults.
type Config struct {
	FailureThreshold int           // consecutive failures to trip, default 5 (3 for LLM-heavy stages)
	SuccessThreshold int           // consecutive half-open successes to close, default 2
	ResetTimeout     time.Duration // open duration before a half-open probe is allowed, 45-120s
	HalfOpenMaxCalls int           // concurrent probes admitted while half-open, default 3
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	return c
}

const maxHistory = 10

// Transition records one state change for the bounded history.
type Transition struct {
	From, To State
	At       time.Time
	Reason   string
}

// EventFunc is invoked after every stateChange/failure/success event;
// nil is a valid no-op subscriber.
type EventFunc func(event string, b *Breaker)

// Breaker is a single stage's circuit breaker. Safe for concurrent use.
type Breaker struct {
	stage  string
	cfg    Config
	logger *slog.Logger
	onEvt  EventFunc

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	nextAttemptAt        time.Time
	halfOpenInFlight     int
	history              []Transition
	forced               bool
}

func New(stage string, cfg Config, logger *slog.Logger, onEvt EventFunc) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{stage: stage, cfg: cfg.withDefaults(), logger: logger, onEvt: onEvt, state: Closed}
}

// admit checks and mutates breaker state for one call attempt, returning
// whether the call may proceed.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.forced {
			return false, ErrTripped
		}
		if time.Now().Before(b.nextAttemptAt) {
			return false, ErrTripped
		}
		b.transitionLocked(HalfOpen, "reset timeout elapsed")
		b.halfOpenInFlight = 1
		return true, nil
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return false, ErrTripped
		}
		b.halfOpenInFlight++
		return true, nil
	default:
		return true, nil
	}
}

// Execute runs op if the breaker admits the call. If the breaker is open
// (or half-open probe slots are full) and fallback is non-nil, fallback
// runs instead of failing fast.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error, fallback func(context.Context) error) error {
	ok, err := b.admit()
	if !ok {
		if fallback != nil {
			return fallback(ctx)
		}
		return err
	}

	opErr := op(ctx)
	b.record(opErr == nil)
	return opErr
}

// Admit reports whether the breaker currently allows a call to proceed,
// for callers that need to interleave the admission check with other
// resource acquisition (e.g. internal/pool's executeWithManagement)
// instead of wrapping the whole call in Execute.
func (b *Breaker) Admit() (bool, error) {
	return b.admit()
}

// Record reports a call's outcome to the breaker, the counterpart to
// Admit for callers not using Execute directly.
func (b *Breaker) Record(success bool) {
	b.record(success)
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.halfOpenInFlight--
		if b.halfOpenInFlight < 0 {
			b.halfOpenInFlight = 0
		}
	}

	if success {
		b.consecutiveFailures = 0
		b.consecutiveSuccesses++
		b.emit("success")

		if b.state == HalfOpen && b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed, "success threshold reached in half-open")
			b.consecutiveSuccesses = 0
		}
		return
	}

	b.consecutiveSuccesses = 0
	b.consecutiveFailures++
	b.emit("failure")

	switch b.state {
	case Closed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.tripLocked("consecutive failure threshold reached")
		}
	case HalfOpen:
		b.tripLocked("probe failed")
	}
}

func (b *Breaker) tripLocked(reason string) {
	b.transitionLocked(Open, reason)
	b.nextAttemptAt = time.Now().Add(b.cfg.ResetTimeout)
	b.halfOpenInFlight = 0
}

func (b *Breaker) transitionLocked(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.history = append(b.history, Transition{From: from, To: to, At: time.Now(), Reason: reason})
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
	b.logger.Info("breaker state change", "stage", b.stage, "from", from, "to", to, "reason", reason)
	b.emit("stateChange")
}

func (b *Breaker) emit(event string) {
	if b.onEvt != nil {
		b.onEvt(event, b)
	}
}

// ForceOpen overrides the breaker into a permanently-open state until
// ForceClose is called, for operator intervention.
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = true
	b.transitionLocked(Open, "forced: "+reason)
}

func (b *Breaker) ForceClose(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = false
	b.transitionLocked(Closed, "forced: "+reason)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
}

// State returns the current state (thread-safe snapshot).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a point-in-time snapshot for C5.getStatus.
type Status struct {
	Stage            string
	State            State
	ConsecutiveFail  int
	ConsecutiveSucc  int
	NextAttemptAt    time.Time
	HalfOpenInFlight int
	History          []Transition
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	hist := make([]Transition, len(b.history))
	copy(hist, b.history)
	return Status{
		Stage:            b.stage,
		State:            b.state,
		ConsecutiveFail:  b.consecutiveFailures,
		ConsecutiveSucc:  b.consecutiveSuccesses,
		NextAttemptAt:    b.nextAttemptAt,
		HalfOpenInFlight: b.halfOpenInFlight,
		History:          hist,
	}
}
