package pool

import (
	"errors"

	"github.com/codeforge/pipeline-core/internal/faults"
)

// Failure taxonomy shared by ExecuteWithManagement and Worker, per
// spec.md's "Failure taxonomy (all components)". ErrTransient,
// ErrRateLimited, ErrTimeout, and ErrShutdown alias internal/faults'
// sentinels so errors.Is and faults.Retryable/Category classify a pool
// failure the same way they classify one from any other component;
// ErrUnknownStage and ErrCapacityExceeded are pool-local conditions with
// no cross-component equivalent in the shared taxonomy.
var (
	// ErrTransient marks an operation error as retryable inside
	// ExecuteWithManagement.
	ErrTransient = faults.ErrTransient
	// ErrRateLimited is returned when the rate limiter's token
	// acquisition deadline is exceeded.
	ErrRateLimited = faults.ErrRateLimited
	// ErrTimeout is returned when a job's deadline is exceeded; the
	// operation's context is cancelled.
	ErrTimeout = faults.ErrTimeout
	// ErrShutdown is returned when shutdown is in progress and new
	// executions are rejected.
	ErrShutdown = faults.ErrShutdown
	// ErrUnknownStage is returned by ExecuteWithManagement/
	// UpdateConcurrency for a stage never registered.
	ErrUnknownStage = errors.New("pool: unknown stage")
	// ErrCapacityExceeded is returned by RegisterStage when the new
	// stage's base allocation would exceed the global cap.
	ErrCapacityExceeded = errors.New("pool: stage base allocation exceeds global cap")
)
