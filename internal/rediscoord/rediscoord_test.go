package rediscoord

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), Config{URL: "redis://" + mr.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCacheRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	type hint struct {
		Status string `json:"status"`
	}
	require.NoError(t, c.SetJSON(ctx, CheckpointKey("c1"), hint{Status: "completed"}, checkpointTTL))

	var got hint
	require.NoError(t, c.GetJSON(ctx, CheckpointKey("c1"), &got))
	require.Equal(t, "completed", got.Status)

	require.NoError(t, c.Invalidate(ctx, CheckpointKey("c1")))
	require.ErrorIs(t, c.GetJSON(ctx, CheckpointKey("c1"), &got), ErrMiss)
}

func TestCacheMissWhenDisabled(t *testing.T) {
	c := NewDisabled(nil)
	var dest map[string]string
	require.ErrorIs(t, c.GetJSON(context.Background(), CheckpointKey("c1"), &dest), ErrMiss)
	require.NoError(t, c.SetJSON(context.Background(), CheckpointKey("c1"), dest, time.Minute))
}

func TestLockMutualExclusion(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	lock, ok, err := c.TryAcquire(ctx, OutboxPublisherLockKey, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := c.TryAcquire(ctx, OutboxPublisherLockKey, 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok2)

	require.NoError(t, lock.Release(ctx))

	_, ok3, err := c.TryAcquire(ctx, OutboxPublisherLockKey, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok3)
}

func TestLocalLockFallbackWhenRedisDisabled(t *testing.T) {
	c := NewDisabled(nil)
	ctx := context.Background()

	lock, ok, err := c.TryAcquire(ctx, OutboxPublisherLockKey, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := c.TryAcquire(ctx, OutboxPublisherLockKey, time.Second)
	require.NoError(t, err)
	require.False(t, ok2)

	require.NoError(t, lock.Release(ctx))
	_, ok3, err := c.TryAcquire(ctx, OutboxPublisherLockKey, time.Second)
	require.NoError(t, err)
	require.True(t, ok3)
}
