package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTryAcquireDrainsAndRefills(t *testing.T) {
	l, err := New(Config{Capacity: 2, RefillPerSecond: 10})
	require.NoError(t, err)

	ok, _ := l.TryAcquire(1)
	require.True(t, ok)
	ok, _ = l.TryAcquire(1)
	require.True(t, ok)

	ok, wait := l.TryAcquire(1)
	require.False(t, ok)
	require.Greater(t, wait, time.Duration(0))
}

func TestAcquireWaitsThenSucceeds(t *testing.T) {
	l, err := New(Config{Capacity: 1, RefillPerSecond: 20})
	require.NoError(t, err)

	ok, _ := l.TryAcquire(1)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx, 1))
}

func TestAcquireReturnsErrorOnDeadline(t *testing.T) {
	l, err := New(Config{Capacity: 1, RefillPerSecond: 0.1})
	require.NoError(t, err)
	ok, _ := l.TryAcquire(1)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Acquire(ctx, 1))
}

func TestBurstBucketConstrainsAcquire(t *testing.T) {
	l, err := New(Config{Capacity: 100, RefillPerSecond: 100, BurstCapacity: 1, BurstWindow: time.Second})
	require.NoError(t, err)

	ok, _ := l.TryAcquire(1)
	require.True(t, ok)
	ok, wait := l.TryAcquire(1)
	require.False(t, ok)
	require.Greater(t, wait, time.Duration(0))
}

func TestRegistryIsolatesPerStage(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("file-analysis", Config{Capacity: 1, RefillPerSecond: 1}))

	l, ok := r.Get("file-analysis")
	require.True(t, ok)
	ok1, _ := l.TryAcquire(1)
	require.True(t, ok1)

	_, ok = r.Get("unknown-stage")
	require.False(t, ok)
}
