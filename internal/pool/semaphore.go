package pool

import (
	"context"
	"sync"
)

// semaphore is a resizable counting semaphore, grounded on the same
// mutex-serialized-accounting shape the teacher uses for connection
// pool occupancy (internal/database/postgres/pool.go's PoolStats),
// generalized here to support live capacity changes for adaptive
// scaling, which a fixed-capacity buffered channel cannot do.
type semaphore struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	inUse    int
	closed   bool
}

func newSemaphore(capacity int) *semaphore {
	s := &semaphore{capacity: capacity}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// acquire blocks until a slot is free, ctx is done, or the semaphore is
// closed (shutdown).
func (s *semaphore) acquire(ctx context.Context) error {
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stopWatch:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.inUse >= s.capacity && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}
	if s.closed {
		return ErrShutdown
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.inUse++
	return nil
}

func (s *semaphore) release() {
	s.mu.Lock()
	if s.inUse > 0 {
		s.inUse--
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// resize changes capacity, clamped to be non-negative. Existing holders
// above the new capacity simply drain naturally as they release.
func (s *semaphore) resize(newCapacity int) {
	if newCapacity < 0 {
		newCapacity = 0
	}
	s.mu.Lock()
	s.capacity = newCapacity
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *semaphore) snapshot() (inUse, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse, s.capacity
}

// close wakes every blocked waiter with ErrShutdown.
func (s *semaphore) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}
