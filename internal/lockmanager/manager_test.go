package lockmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oms-core/metadata-core/internal/audit"
	"github.com/oms-core/metadata-core/internal/omsconfig"
	"github.com/oms-core/metadata-core/internal/omserrors"
	"github.com/oms-core/metadata-core/internal/omslog"
)

func ttlPtr(d time.Duration) *time.Duration { return &d }

func newTestManager(t *testing.T) (*Manager, func()) {
	t.Helper()
	cfg := omsconfig.LockConfig{
		DefaultTTL:             time.Hour,
		IndexingTTL:            time.Hour,
		HeartbeatGrace:         3,
		HeartbeatCheckInterval: 30 * time.Second,
		TTLCheckInterval:       5 * time.Minute,
	}
	logger := omslog.New("lockmanager-test", "error", "text")
	auditStore := audit.NewInMemoryStore(90 * 24 * time.Hour)
	m := NewManager(cfg, logger, auditStore, NewInMemoryStore())

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }
	return m, func() {}
}

func TestAcquireLockConflictsOnSameBranch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id1, err := m.AcquireLock(ctx, "main", KindIndexing, ScopeResourceType, "object_type", "", "svc1", "reindex", nil, 0)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	_, err = m.AcquireLock(ctx, "main", KindManual, ScopeBranch, "", "", "admin", "maintenance", nil, 0)
	require.Error(t, err)
	var svcErr *omserrors.CoreError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, omserrors.ErrCodeLockConflict, svcErr.Code)
}

func TestConcurrentIndexingDifferentResourceTypesDoNotConflict(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id1, err := m.AcquireLock(ctx, "main", KindIndexing, ScopeResourceType, "object_type", "", "svc1", "reindex", nil, 0)
	require.NoError(t, err)

	id2, err := m.AcquireLock(ctx, "main", KindIndexing, ScopeResourceType, "link_type", "", "svc2", "reindex", nil, 0)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	_, err = m.AcquireLock(ctx, "main", KindManual, ScopeBranch, "", "", "admin", "maintenance", nil, 0)
	require.Error(t, err)

	ok, err := m.CompleteIndexing(ctx, "main", "svc1", []string{"object_type"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.CompleteIndexing(ctx, "main", "svc2", []string{"link_type"})
	require.NoError(t, err)
	assert.True(t, ok)

	rec := m.GetBranchState(ctx, "main")
	assert.Equal(t, StateActive, rec.CurrentState)
}

func TestLockForIndexingTransitionsBranchAndCompleteRestoresReady(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ids, err := m.AcquireLockForIndexingHelper(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, ids)

	rec := m.GetBranchState(ctx, "main")
	assert.Equal(t, StateLockedForWrite, rec.CurrentState)

	ok, err := m.CompleteIndexing(ctx, "main", "svc1", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	rec = m.GetBranchState(ctx, "main")
	assert.Equal(t, StateReady, rec.CurrentState)
}

// AcquireLockForIndexingHelper wraps LockForIndexing with a force-branch
// lock, used only to exercise the LOCKED_FOR_WRITE transition in tests.
func (m *Manager) AcquireLockForIndexingHelper(ctx context.Context) ([]string, error) {
	return m.LockForIndexing(ctx, "main", "svc1", nil, true)
}

func TestReleaseUnknownLockIsNonFatal(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	assert.False(t, m.ReleaseLock(ctx, "does-not-exist", "svc1"))
}

func TestSetBranchStateRejectsInvalidTransition(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	err := m.SetBranchState(ctx, "main", StateReady, "admin", "bad jump")
	require.Error(t, err)
	var svcErr *omserrors.CoreError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, omserrors.ErrCodeInvalidStateTransition, svcErr.Code)
}

func TestForceUnlockReleasesEverythingAndResetsToActive(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.AcquireLock(ctx, "main", KindMaintenance, ScopeBranch, "", "", "admin", "maintenance", nil, 0)
	require.NoError(t, err)

	n, err := m.ForceUnlock(ctx, "main", "root-admin", "incident response")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec := m.GetBranchState(ctx, "main")
	assert.Equal(t, StateActive, rec.CurrentState)
}

func TestCheckWritePermissionBlockedByResourceTypeLock(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.AcquireLock(ctx, "main", KindIndexing, ScopeResourceType, "object_type", "", "svc1", "reindex", nil, 0)
	require.NoError(t, err)

	ok, reason := m.CheckWritePermission(ctx, "main", "update", "object_type")
	assert.False(t, ok)
	assert.NotEmpty(t, reason)

	ok, _ = m.CheckWritePermission(ctx, "main", "update", "link_type")
	assert.True(t, ok)
}

func TestHeartbeatExpiryReleasesLockViaSweeper(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	now := m.clock()
	id, err := m.AcquireLock(ctx, "main", KindMaintenance, ScopeBranch, "", "", "svc1", "upkeep", ttlPtr(time.Hour), time.Second)
	require.NoError(t, err)

	m.mu.Lock()
	m.locks[id].LastHeartbeat = now
	m.mu.Unlock()

	future := now.Add(10 * time.Second)
	m.clock = func() time.Time { return future }

	m.sweepMissedHeartbeats(ctx)

	m.mu.Lock()
	_, active := m.locks[id]
	m.mu.Unlock()
	assert.False(t, active)
}

func TestAcquireLockWithZeroTTLIsImmediatelyExpirable(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.AcquireLock(ctx, "main", KindBackup, ScopeBranch, "", "", "svc1", "backup", ttlPtr(0), 0)
	require.NoError(t, err)

	// A second, conflicting acquire attempted at the exact same instant
	// must succeed: the ttl=0 lock is already expired, not merely about
	// to expire (spec §8, "first sweeper pass releases it").
	_, err = m.AcquireLock(ctx, "main", KindManual, ScopeBranch, "", "", "svc2", "maintenance", nil, 0)
	require.NoError(t, err)

	m.sweepExpiredTTL(ctx)

	m.mu.Lock()
	_, active := m.locks[id]
	m.mu.Unlock()
	assert.False(t, active)
}

func TestTTLSweeperReleasesExpiredLock(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	now := m.clock()
	id, err := m.AcquireLock(ctx, "main", KindBackup, ScopeBranch, "", "", "svc1", "backup", ttlPtr(time.Minute), 0)
	require.NoError(t, err)

	future := now.Add(2 * time.Minute)
	m.clock = func() time.Time { return future }

	m.sweepExpiredTTL(ctx)

	m.mu.Lock()
	_, active := m.locks[id]
	m.mu.Unlock()
	assert.False(t, active)
}

func TestAcquireLockPersistsAndReleasePersistsJournal(t *testing.T) {
	cfg := omsconfig.LockConfig{DefaultTTL: time.Hour, IndexingTTL: time.Hour, HeartbeatGrace: 3}
	logger := omslog.New("lockmanager-test", "error", "text")
	store := NewInMemoryStore()
	m := NewManager(cfg, logger, nil, store)
	ctx := context.Background()

	ids, err := m.LockForIndexing(ctx, "main", "svc1", nil, true)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	locks, err := store.LoadActiveLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, ids[0], locks[0].ID)

	states, err := store.LoadBranchStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, StateLockedForWrite, states[0].CurrentState)
	require.Len(t, store.transitions, 1)
	assert.Equal(t, StateActive, store.transitions[0].FromState)
	assert.Equal(t, StateLockedForWrite, store.transitions[0].ToState)

	ok, err := m.CompleteIndexing(ctx, "main", "svc1", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	locks, err = store.LoadActiveLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
	require.Len(t, store.transitions, 2)
	assert.Equal(t, StateReady, store.transitions[1].ToState)
}

func TestManagerStartRebuildsFromStore(t *testing.T) {
	cfg := omsconfig.LockConfig{DefaultTTL: time.Hour, IndexingTTL: time.Hour, HeartbeatGrace: 3}
	logger := omslog.New("lockmanager-test", "error", "text")
	store := NewInMemoryStore()
	ctx := context.Background()

	first := NewManager(cfg, logger, nil, store)
	id, err := first.AcquireLock(ctx, "main", KindMaintenance, ScopeBranch, "", "", "svc1", "upkeep", ttlPtr(time.Hour), 0)
	require.NoError(t, err)

	second := NewManager(cfg, logger, nil, store)
	require.NoError(t, second.Start(ctx))

	second.mu.Lock()
	_, active := second.locks[id]
	second.mu.Unlock()
	assert.True(t, active)

	rec := second.GetBranchState(ctx, "main")
	assert.Equal(t, StateActive, rec.CurrentState)
}
