package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeforge/pipeline-core/internal/rediscoord"
	"github.com/codeforge/pipeline-core/internal/storage"
	"github.com/codeforge/pipeline-core/internal/storage/memory"
)

func newManager(t *testing.T, cfg Config, onAlert AlertFunc) (*Manager, storage.Store) {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.Connect(context.Background()))
	return New(store, rediscoord.NewDisabled(nil), cfg, nil, onAlert), store
}

func TestPublishSucceedsAndMarksPublished(t *testing.T) {
	m, store := newManager(t, Config{}, nil)
	ctx := context.Background()
	require.NoError(t, m.Insert(ctx, storage.OutboxRecord{ID: "o1", RunID: "r1", EventType: "entity.extracted", Payload: []byte("x")}))

	published := false
	m.RouteEventType("entity.extracted", func(ctx context.Context, row storage.OutboxRecord) error {
		published = true
		return nil
	})

	m.drainOnce(ctx)
	require.True(t, published)

	n, err := store.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestPublishFailureRetriesThenFails(t *testing.T) {
	var alerted storage.OutboxRecord
	m, _ := newManager(t, Config{Retry: RetryConfig{MaxAttempts: 2, BaseInterval: time.Millisecond, JitterEnabled: false}}, func(row storage.OutboxRecord, err error) {
		alerted = row
	})
	ctx := context.Background()
	require.NoError(t, m.Insert(ctx, storage.OutboxRecord{ID: "o1", RunID: "r1", EventType: "t", Payload: []byte("x")}))

	attempts := 0
	m.RouteEventType("t", func(ctx context.Context, row storage.OutboxRecord) error {
		attempts++
		return errors.New("boom")
	})

	m.drainOnce(ctx) // attempt 1: failure, below MaxAttempts=2, row goes back to pending
	require.Equal(t, 1, attempts)
	require.Empty(t, alerted.ID)

	m.drainOnce(ctx) // attempt 2: reaches MaxAttempts=2, row fails permanently and alerts
	require.Equal(t, 2, attempts)
	require.Equal(t, "o1", alerted.ID)
}

func TestUnroutedEventTypeFailsPermanently(t *testing.T) {
	var alerted bool
	m, store := newManager(t, Config{}, func(row storage.OutboxRecord, err error) { alerted = true })
	ctx := context.Background()
	require.NoError(t, m.Insert(ctx, storage.OutboxRecord{ID: "o1", RunID: "r1", EventType: "unknown", Payload: []byte("x")}))

	m.drainOnce(ctx)
	require.True(t, alerted)

	n, err := store.PendingOutboxCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCalculateBackoffCapsAtMaxBackoff(t *testing.T) {
	cfg := RetryConfig{BaseInterval: time.Second, MaxBackoff: 3 * time.Second, JitterEnabled: false}
	require.Equal(t, 3*time.Second, CalculateBackoff(10, cfg))
}

func TestPendingCountReflectsBacklog(t *testing.T) {
	m, _ := newManager(t, Config{}, nil)
	ctx := context.Background()
	require.NoError(t, m.Insert(ctx, storage.OutboxRecord{ID: "o1", RunID: "r1", EventType: "t", Payload: []byte("x")}))

	n, err := m.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
