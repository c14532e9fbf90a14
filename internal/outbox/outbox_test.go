package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oms-core/metadata-core/internal/bus"
	"github.com/oms-core/metadata-core/internal/omsconfig"
	"github.com/oms-core/metadata-core/internal/omslog"
)

func newTestDispatcher(t *testing.T, store Store, b bus.Bus) *Dispatcher {
	t.Helper()
	logger := omslog.New("outbox-test", "error", "text")
	cfg := omsconfig.OutboxConfig{
		BatchSize:      10,
		ProcessInterval: 10 * time.Millisecond,
		MaxRetries:      3,
		RetryBaseDelay:  time.Millisecond,
		RetryCap:        10 * time.Millisecond,
	}
	return NewDispatcher(store, b, nil, logger, cfg, 0)
}

func TestInsertDeduplicatesByIdempotencyKey(t *testing.T) {
	store := NewInMemoryStore()
	spec := PublishSpec{EventType: "branch.created", Source: "oms", Subject: "branch/main", Payload: map[string]interface{}{"name": "main"}}

	r1, isNew1, err := store.Insert(context.Background(), spec, 3)
	require.NoError(t, err)
	assert.True(t, isNew1)

	r2, isNew2, err := store.Insert(context.Background(), spec, 3)
	require.NoError(t, err)
	assert.False(t, isNew2)
	assert.Equal(t, r1.EventID, r2.EventID)
}

func TestClaimBatchMarksProcessing(t *testing.T) {
	store := NewInMemoryStore()
	r, _, err := store.Insert(context.Background(), PublishSpec{EventType: "t", Source: "oms", Subject: "s"}, 3)
	require.NoError(t, err)

	batch, err := store.ClaimBatch(context.Background(), 10, time.Now())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, r.EventID, batch[0].EventID)
	assert.Equal(t, StatusProcessing, batch[0].Status)

	again, err := store.ClaimBatch(context.Background(), 10, time.Now())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestDispatcherRetriesThenDeadLettersAfterMaxRetries(t *testing.T) {
	store := NewInMemoryStore()
	b := bus.NewInProcessBus()
	b.FailNext(10)

	spec := PublishSpec{EventType: "t", Source: "oms", Subject: "s", Payload: map[string]interface{}{}}
	_, _, err := store.Insert(context.Background(), spec, 2)
	require.NoError(t, err)

	d := newTestDispatcher(t, store, b)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, d.processBatch(ctx))
		time.Sleep(15 * time.Millisecond)
	}

	stats, err := store.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLetter)
	assert.Equal(t, 0, stats.Pending)
}

func TestDispatcherPublishesSuccessfully(t *testing.T) {
	store := NewInMemoryStore()
	b := bus.NewInProcessBus()

	spec := PublishSpec{EventType: "branch.created", Source: "oms", Subject: "branch/main", Payload: map[string]interface{}{"name": "main"}}
	_, _, err := store.Insert(context.Background(), spec, 3)
	require.NoError(t, err)

	d := newTestDispatcher(t, store, b)
	require.NoError(t, d.processBatch(context.Background()))

	published := b.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "branch/main", published[0].Subject)

	stats, err := store.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
}

func TestCleanupCompletedRemovesOldRecords(t *testing.T) {
	store := NewInMemoryStore()
	spec := PublishSpec{EventType: "t", Source: "oms", Subject: "s"}
	r, _, err := store.Insert(context.Background(), spec, 3)
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.MarkCompleted(context.Background(), r.EventID, old))

	n, err := store.CleanupCompleted(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := store.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Completed)
}
