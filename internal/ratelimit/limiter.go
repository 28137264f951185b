// Package ratelimit implements the per-stage token bucket described in
// spec.md §4.2, grounded on the teacher's
// internal/api/middleware.RateLimiter: golang.org/x/time/rate.Limiter
// wraps the continuous-refill token bucket, generalized here from one
// limiter per HTTP client to one limiter per pipeline stage, with an
// optional secondary burst bucket layered on top.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Config describes one stage's token bucket, per spec.md §3.
type Config struct {
	Capacity        float64       // steady-state bucket size (tokens)
	RefillPerSecond float64       // tokens/sec
	BurstCapacity   float64       // 0 disables the secondary burst bucket
	BurstWindow     time.Duration
}

// Limiter is a single stage's rate limiter. Safe for concurrent use.
type Limiter struct {
	main  *rate.Limiter
	burst *rate.Limiter // nil when Config.BurstCapacity == 0
}

// New constructs a Limiter from cfg.
func New(cfg Config) (*Limiter, error) {
	if cfg.Capacity <= 0 || cfg.RefillPerSecond <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity and refill rate must be positive")
	}
	l := &Limiter{main: rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), int(cfg.Capacity))}
	if cfg.BurstCapacity > 0 {
		if cfg.BurstWindow <= 0 {
			return nil, fmt.Errorf("ratelimit: burstWindow must be positive when burstCapacity is set")
		}
		burstRate := cfg.BurstCapacity / cfg.BurstWindow.Seconds()
		l.burst = rate.NewLimiter(rate.Limit(burstRate), int(cfg.BurstCapacity))
	}
	return l, nil
}

// TryAcquire is non-blocking: it returns true if n tokens were taken from
// every configured bucket, or false plus the wait until the next token
// would be available on whichever bucket was the constraint.
func (l *Limiter) TryAcquire(n int) (bool, time.Duration) {
	now := time.Now()

	mainRes := l.main.ReserveN(now, n)
	if !mainRes.OK() {
		return false, 0
	}
	mainDelay := mainRes.DelayFrom(now)

	if l.burst == nil {
		if mainDelay > 0 {
			mainRes.Cancel()
			return false, mainDelay
		}
		return true, 0
	}

	burstRes := l.burst.ReserveN(now, n)
	if !burstRes.OK() {
		mainRes.Cancel()
		return false, 0
	}
	burstDelay := burstRes.DelayFrom(now)

	if mainDelay > 0 || burstDelay > 0 {
		mainRes.Cancel()
		burstRes.Cancel()
		if mainDelay > burstDelay {
			return false, mainDelay
		}
		return false, burstDelay
	}
	return true, 0
}

// Acquire suspends cooperatively until n tokens are available on every
// configured bucket or ctx's deadline expires, whichever comes first.
// Returns faults.ErrRateLimited-wrapping behavior is left to callers
// (C5 distinguishes a deadline-exceeded acquire from other errors).
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if err := l.main.WaitN(ctx, n); err != nil {
		return fmt.Errorf("ratelimit: acquire: %w", err)
	}
	if l.burst != nil {
		if err := l.burst.WaitN(ctx, n); err != nil {
			return fmt.Errorf("ratelimit: acquire burst: %w", err)
		}
	}
	return nil
}

// Tokens reports the main bucket's current token count, for status
// snapshots (C5.getStatus) and tests.
func (l *Limiter) Tokens() float64 {
	return l.main.TokensAt(time.Now())
}
