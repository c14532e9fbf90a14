package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertComputesHashAndRetention(t *testing.T) {
	s := NewInMemoryStore(2555 * 24 * time.Hour)
	ctx := context.Background()

	e, err := s.Insert(ctx, Event{
		Action:  "schema.create",
		ActorID: "user-1",
		Target:  Target{Kind: "ObjectType", ID: "obj-1"},
		Success: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, e.EventHash)
	assert.Equal(t, e.Timestamp.Add(1825*24*time.Hour), e.RetentionUntil)
}

func TestEventHashDeterministic(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := Event{ID: "evt-1", Timestamp: ts, Action: "branch.create", ActorID: "u1", Target: Target{Kind: "Branch", ID: "main"}, Success: true}

	h1, err := eventHash(e)
	require.NoError(t, err)
	h2, err := eventHash(e)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestInsertBatchComputesBatchHash(t *testing.T) {
	s := NewInMemoryStore(24 * time.Hour)
	ctx := context.Background()

	events := []Event{
		{Action: "branch.create", ActorID: "u1", Target: Target{Kind: "Branch", ID: "a"}, Success: true},
		{Action: "branch.create", ActorID: "u2", Target: Target{Kind: "Branch", ID: "b"}, Success: true},
	}
	prepared, batch, err := s.InsertBatch(ctx, events)
	require.NoError(t, err)
	require.Len(t, prepared, 2)
	assert.NotEmpty(t, batch.BatchHash)
	for _, e := range prepared {
		assert.Equal(t, batch.BatchHash, e.BatchHash)
	}
}

func TestVerifyIntegrityDetectsTamperedHash(t *testing.T) {
	s := NewInMemoryStore(24 * time.Hour)
	ctx := context.Background()

	e, err := s.Insert(ctx, Event{Action: "auth.login", ActorID: "u1", Target: Target{Kind: "Session", ID: "s1"}, Success: true})
	require.NoError(t, err)

	s.mu.Lock()
	tampered := s.events[e.ID]
	tampered.EventHash = "not-a-real-hash"
	s.events[e.ID] = tampered
	s.mu.Unlock()

	report, err := s.VerifyIntegrity(ctx)
	require.Error(t, err)
	assert.Contains(t, report.CorruptIDs, e.ID)
}

func TestArchiveExpiredFlipsArchived(t *testing.T) {
	s := NewInMemoryStore(24 * time.Hour)
	ctx := context.Background()

	e, err := s.Insert(ctx, Event{Action: "indexing.started", ActorID: "u1", Target: Target{Kind: "Branch", ID: "main"}, Success: true})
	require.NoError(t, err)

	future := e.RetentionUntil.Add(time.Hour)
	count, err := s.ArchiveExpired(ctx, future)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, ok, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Archived)
}

func TestRetentionForFallsBackToDefault(t *testing.T) {
	d := RetentionFor("unknown.action", 100*24*time.Hour)
	assert.Equal(t, 100*24*time.Hour, d)

	d = RetentionFor("branch.merge", 100*24*time.Hour)
	assert.Equal(t, 730*24*time.Hour, d)
}

func TestQueryFiltersAndPaginates(t *testing.T) {
	s := NewInMemoryStore(24 * time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Insert(ctx, Event{Action: "schema.update", ActorID: "u1", Target: Target{Kind: "ObjectType", ID: "obj"}, Success: true})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := s.Insert(ctx, Event{Action: "branch.create", ActorID: "u2", Target: Target{Kind: "Branch", ID: "b"}, Success: true})
		require.NoError(t, err)
	}

	result, err := s.Query(ctx, Filter{Action: "schema.update"}, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, result.TotalCount)
	assert.Len(t, result.Events, 2)
}
