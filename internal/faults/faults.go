// Package faults defines the error taxonomy shared by every component in
// the worker-pool/job-orchestration core, and the classification helpers
// that decide whether a given error is retried, fails fast, or aborts a
// checkpointed job outright.
package faults

import (
	"errors"
	"net"
	"strings"
)

// Sentinel errors. Every component wraps one of these with fmt.Errorf's
// %w so callers can classify failures with errors.Is regardless of which
// package produced them.
var (
	// ErrTransient marks a failure the pool retries with backoff.
	ErrTransient = errors.New("faults: transient failure")

	// ErrTripped is returned when a circuit breaker refuses a call
	// because it is open. Never counted against retry budgets.
	ErrTripped = errors.New("faults: circuit breaker open")

	// ErrRateLimited is returned when a rate limiter's acquire deadline
	// elapses before a token became available.
	ErrRateLimited = errors.New("faults: rate limit acquire deadline exceeded")

	// ErrTimeout is returned when a job's deadline elapses; the
	// operation's context is cancelled.
	ErrTimeout = errors.New("faults: job deadline exceeded")

	// ErrPrerequisite is returned when a checkpoint precondition (the
	// prior stage for an entity is not yet completed) is violated.
	ErrPrerequisite = errors.New("faults: checkpoint prerequisite violated")

	// ErrValidation is returned when a checkpoint fails its stage-specific
	// validation rule.
	ErrValidation = errors.New("faults: checkpoint validation failed")

	// ErrShutdown is returned when new work is rejected because shutdown
	// is in progress.
	ErrShutdown = errors.New("faults: shutdown in progress")

	// ErrConfig marks a configuration error detected at startup.
	ErrConfig = errors.New("faults: invalid configuration")

	// ErrFatal marks an unrecoverable I/O or infrastructure error.
	ErrFatal = errors.New("faults: fatal error")
)

// Retryable reports whether err is worth retrying. ErrTransient,
// ErrTimeout and ErrRateLimited are retryable; ErrTripped, ErrShutdown,
// ErrPrerequisite, ErrValidation, ErrConfig and ErrFatal fast-fail. Any
// other error is retryable only when isTransientNetworkError accepts it.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrTripped), errors.Is(err, ErrShutdown),
		errors.Is(err, ErrPrerequisite), errors.Is(err, ErrValidation),
		errors.Is(err, ErrConfig), errors.Is(err, ErrFatal):
		return false
	case errors.Is(err, ErrTransient), errors.Is(err, ErrTimeout), errors.Is(err, ErrRateLimited):
		return true
	}
	return isTransientNetworkError(err)
}

// isTransientNetworkError classifies raw network errors the same way the
// teacher's LLM client classified outbound HTTP failures: DNS temporary
// errors, connection-refused/reset, and anything implementing a Timeout()
// method are retried.
func isTransientNetworkError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() || dnsErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		msg := opErr.Err.Error()
		if strings.Contains(msg, "connection refused") ||
			strings.Contains(msg, "connection reset") ||
			strings.Contains(msg, "network is unreachable") {
			return true
		}
	}

	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}

	return false
}

// Category returns a short machine-readable label for an error, used in
// metrics labels and log fields without leaking the full error string.
func Category(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTripped):
		return "circuit_breaker_open"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrPrerequisite):
		return "prerequisite"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrFatal):
		return "fatal"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "unknown"
	}
}
