// Package timeoutregistry holds typed, validated, runtime-updatable
// timeouts grouped by category, grounded on the teacher's
// internal/config hot-reload machinery: lock-free reads via atomic
// snapshots, serialized writes, and a bounded change log.
package timeoutregistry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Category groups related timeout types, per spec.md §4.1.
type Category string

const (
	CategoryPipeline       Category = "pipeline"
	CategoryWorker         Category = "worker"
	CategoryQueue          Category = "queue"
	CategoryDatabase       Category = "database"
	CategoryCircuitBreaker Category = "circuitBreaker"
	CategoryLLM            Category = "llm"
	CategoryMonitoring     Category = "monitoring"
	CategoryReliability    Category = "reliability"
)

// Range bounds a timeout value in milliseconds.
type Range struct {
	Min int64
	Max int64
}

func (r Range) contains(v int64) bool { return v >= r.Min && v <= r.Max }

type key struct {
	category Category
	name     string
}

// ChangeEntry records one accepted update, for operator visibility.
type ChangeEntry struct {
	Category Category
	Name     string
	OldMS    int64
	NewMS    int64
	At       time.Time
}

const maxChangeLog = 200

// Registry is safe for concurrent use. Reads are lock-free snapshots of
// an atomically-swapped map; writes are serialized through mu.
type Registry struct {
	mu       sync.Mutex
	ranges   map[key]Range
	snapshot atomic.Pointer[map[key]int64]
	defaults map[key]int64
	changes  []ChangeEntry
}

// New builds a Registry from the given ranges and initial values. Any
// initial value outside its range returns a configuration error, per
// spec.md §4.1 ("any value outside its range on load or update fails").
func New(ranges map[Category]map[string]Range, initial map[Category]map[string]int64) (*Registry, error) {
	r := &Registry{ranges: make(map[key]Range), defaults: make(map[key]int64)}
	for cat, byName := range ranges {
		for name, rng := range byName {
			r.ranges[key{cat, name}] = rng
		}
	}

	values := make(map[key]int64, len(r.ranges))
	for cat, byName := range initial {
		for name, v := range byName {
			k := key{cat, name}
			rng, ok := r.ranges[k]
			if !ok {
				return nil, fmt.Errorf("timeoutregistry: unknown timeout %s.%s", cat, name)
			}
			if !rng.contains(v) {
				return nil, fmt.Errorf("timeoutregistry: %s.%s=%d out of range [%d,%d]", cat, name, v, rng.Min, rng.Max)
			}
			values[k] = v
		}
	}
	for k, rng := range r.ranges {
		if _, ok := values[k]; !ok {
			return nil, fmt.Errorf("timeoutregistry: missing value for %s.%s", k.category, k.name)
		}
		_ = rng
	}

	r.defaults = cloneMap(values)
	r.snapshot.Store(&values)
	return r, nil
}

// Get returns the current timeout as a time.Duration.
func (r *Registry) Get(category Category, name string) (time.Duration, error) {
	snap := *r.snapshot.Load()
	v, ok := snap[key{category, name}]
	if !ok {
		return 0, fmt.Errorf("timeoutregistry: unknown timeout %s.%s", category, name)
	}
	return time.Duration(v) * time.Millisecond, nil
}

// MustGet is Get without an error return, for call sites that treat an
// unknown timeout name as a programming error.
func (r *Registry) MustGet(category Category, name string) time.Duration {
	d, err := r.Get(category, name)
	if err != nil {
		panic(err)
	}
	return d
}

// Set validates newMS against the registered range, then atomically
// swaps the whole snapshot and appends a change-log entry.
func (r *Registry) Set(category Category, name string, newMS int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{category, name}
	rng, ok := r.ranges[k]
	if !ok {
		return fmt.Errorf("timeoutregistry: unknown timeout %s.%s", category, name)
	}
	if !rng.contains(newMS) {
		return fmt.Errorf("timeoutregistry: %s.%s=%d out of range [%d,%d]", category, name, newMS, rng.Min, rng.Max)
	}

	old := *r.snapshot.Load()
	next := cloneMap(old)
	oldMS := next[k]
	next[k] = newMS
	r.snapshot.Store(&next)

	r.changes = append(r.changes, ChangeEntry{Category: category, Name: name, OldMS: oldMS, NewMS: newMS, At: time.Now()})
	if len(r.changes) > maxChangeLog {
		r.changes = r.changes[len(r.changes)-maxChangeLog:]
	}
	return nil
}

// ResetToDefaults restores every value to what New was called with.
func (r *Registry) ResetToDefaults() {
	r.mu.Lock()
	defer r.mu.Unlock()
	reset := cloneMap(r.defaults)
	r.snapshot.Store(&reset)
}

// Changes returns a copy of the recorded change log, oldest first.
func (r *Registry) Changes() []ChangeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeEntry, len(r.changes))
	copy(out, r.changes)
	return out
}

func cloneMap(m map[key]int64) map[key]int64 {
	out := make(map[key]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
