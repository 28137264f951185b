package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := New("file-analysis", Config{FailureThreshold: 3, ResetTimeout: time.Hour}, nil, nil)

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return errBoom }, nil)
		require.ErrorIs(t, err, errBoom)
	}
	require.Equal(t, Open, b.State())

	err := b.Execute(context.Background(), func(context.Context) error { return nil }, nil)
	require.ErrorIs(t, err, ErrTripped)
}

func TestHalfOpenProbeThenClose(t *testing.T) {
	b := New("s", Config{FailureThreshold: 1, ResetTimeout: time.Millisecond, SuccessThreshold: 2}, nil, nil)

	require.ErrorIs(t, b.Execute(context.Background(), func(context.Context) error { return errBoom }, nil), errBoom)
	require.Equal(t, Open, b.State())

	time.Sleep(5 * time.Millisecond)

	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }, nil))
	require.Equal(t, HalfOpen, b.State())

	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }, nil))
	require.Equal(t, Closed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("s", Config{FailureThreshold: 1, ResetTimeout: time.Millisecond}, nil, nil)
	require.ErrorIs(t, b.Execute(context.Background(), func(context.Context) error { return errBoom }, nil), errBoom)
	time.Sleep(5 * time.Millisecond)

	require.ErrorIs(t, b.Execute(context.Background(), func(context.Context) error { return errBoom }, nil), errBoom)
	require.Equal(t, Open, b.State())
}

func TestHalfOpenMaxCallsRefusesExtraProbes(t *testing.T) {
	b := New("s", Config{FailureThreshold: 1, ResetTimeout: time.Millisecond, HalfOpenMaxCalls: 1}, nil, nil)
	require.ErrorIs(t, b.Execute(context.Background(), func(context.Context) error { return errBoom }, nil), errBoom)
	time.Sleep(5 * time.Millisecond)

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(context.Background(), func(context.Context) error {
			<-release
			return nil
		}, nil)
	}()
	time.Sleep(5 * time.Millisecond) // let the probe occupy the only half-open slot

	err := b.Execute(context.Background(), func(context.Context) error { return nil }, nil)
	require.ErrorIs(t, err, ErrTripped)

	close(release)
	require.NoError(t, <-done)
}

func TestFallbackRunsWhenOpen(t *testing.T) {
	b := New("s", Config{FailureThreshold: 1, ResetTimeout: time.Hour}, nil, nil)
	require.ErrorIs(t, b.Execute(context.Background(), func(context.Context) error { return errBoom }, nil), errBoom)

	called := false
	err := b.Execute(context.Background(), func(context.Context) error { return nil }, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
}

func TestForceOpenAndForceClose(t *testing.T) {
	b := New("s", Config{}, nil, nil)
	b.ForceOpen("operator request")
	require.Equal(t, Open, b.State())
	require.ErrorIs(t, b.Execute(context.Background(), func(context.Context) error { return nil }, nil), ErrTripped)

	b.ForceClose("operator request")
	require.Equal(t, Closed, b.State())
	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }, nil))
}

func TestHistoryIsBounded(t *testing.T) {
	b := New("s", Config{FailureThreshold: 1, ResetTimeout: time.Nanosecond}, nil, nil)
	for i := 0; i < 20; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return errBoom }, nil)
		time.Sleep(time.Millisecond)
	}
	require.LessOrEqual(t, len(b.Status().History), maxHistory)
}

func TestRegistryAggregateStatus(t *testing.T) {
	r := NewRegistry()
	r.Register("a", Config{FailureThreshold: 1, ResetTimeout: time.Hour}, nil, nil)
	r.Register("b", Config{}, nil, nil)

	ba, _ := r.Get("a")
	require.ErrorIs(t, ba.Execute(context.Background(), func(context.Context) error { return errBoom }, nil), errBoom)

	require.True(t, r.AnyOpen())
	require.Len(t, r.AllStatus(), 2)
}
