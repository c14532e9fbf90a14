package lockmanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oms-core/metadata-core/internal/audit"
	"github.com/oms-core/metadata-core/internal/omsconfig"
	"github.com/oms-core/metadata-core/internal/omserrors"
	"github.com/oms-core/metadata-core/internal/omslog"
)

// Manager serializes writes to branches and resources via lease-based
// locking, holds branch state, and reconciles crashed lock holders (spec
// §4.1). It keeps its working set in single-writer, mutex-guarded
// in-memory tables — grounded on infrastructure/state.PersistentState's
// mutex-around-map shape — and never holds the mutex across a DocStore or
// audit-store call.
type Manager struct {
	mu           sync.Mutex
	branchStates map[string]*BranchStateRecord
	locks        map[string]*Lock

	cfg        omsconfig.LockConfig
	logger     *omslog.Logger
	auditStore audit.Store
	store      Store
	clock      func() time.Time
	newID      func() string
}

// NewManager constructs a Manager. auditStore and store may both be nil,
// in which case release/transition side effects are logged only and
// nothing survives a restart.
func NewManager(cfg omsconfig.LockConfig, logger *omslog.Logger, auditStore audit.Store, store Store) *Manager {
	return &Manager{
		branchStates: make(map[string]*BranchStateRecord),
		locks:        make(map[string]*Lock),
		cfg:          cfg,
		logger:       logger,
		auditStore:   auditStore,
		store:        store,
		clock:        time.Now,
		newID:        func() string { return uuid.New().String() },
	}
}

// Start rebuilds the in-memory lock and branch-state tables from store
// (spec §4.1 "NEW COMPONENT DETAIL": a restarted process reloads
// persisted locks and branch state before serving traffic, rather than
// starting every branch at ACTIVE with no locks held). A nil store leaves
// Manager starting cold, as it always did before this persistence layer
// existed.
func (m *Manager) Start(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	locks, err := m.store.LoadActiveLocks(ctx)
	if err != nil {
		return err
	}
	states, err := m.store.LoadBranchStates(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range locks {
		l := locks[i]
		m.locks[l.ID] = &l
	}
	for i := range states {
		s := states[i]
		m.branchStates[s.Branch] = &s
	}
	return nil
}

// GetBranchState returns the current state record, defaulting unknown
// branches to ACTIVE (spec §4.1, never fails).
func (m *Manager) GetBranchState(_ context.Context, branch string) BranchStateRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.getOrCreateLocked(branch)
}

func (m *Manager) getOrCreateLocked(branch string) *BranchStateRecord {
	if rec, ok := m.branchStates[branch]; ok {
		return rec
	}
	rec := &BranchStateRecord{
		Branch:            branch,
		CurrentState:      StateActive,
		StateChangedAt:    m.clock(),
		StateChangedBy:    "system",
		StateChangeReason: "initial state",
	}
	m.branchStates[branch] = rec
	return rec
}

// SetBranchState performs an explicit state transition (spec §4.1
// setBranchState). Setting ERROR releases all locks on the branch.
func (m *Manager) SetBranchState(ctx context.Context, branch string, newState BranchState, who, reason string) error {
	m.mu.Lock()
	rec := m.getOrCreateLocked(branch)
	if rec.CurrentState == newState {
		m.mu.Unlock()
		return nil
	}
	transition, err := m.transitionLocked(rec, newState, who, reason, "set_branch_state")
	if err != nil {
		m.mu.Unlock()
		return err
	}
	stateSnapshot := *rec
	var released []releaseResult
	if newState == StateError {
		released = m.releaseAllForBranchLocked(branch, who, "error_state")
	}
	m.mu.Unlock()

	m.logger.LogLockEvent(ctx, "set_branch_state", "", branch, nil)
	m.persistTransition(ctx, transition)
	m.persistBranchState(ctx, stateSnapshot)
	for _, r := range released {
		m.persistReleaseEffects(ctx, r)
	}
	return nil
}

// transitionLocked validates and applies a transition, returning the
// journal entry it produced (spec §4.1 "every state transition is
// journaled"). Caller holds m.mu and persists the returned entry itself,
// after releasing the lock.
func (m *Manager) transitionLocked(rec *BranchStateRecord, newState BranchState, who, reason, trigger string) (StateTransition, error) {
	if !isValidTransition(rec.CurrentState, newState) {
		return StateTransition{}, omserrors.InvalidStateTransition(string(rec.CurrentState), string(newState))
	}
	from := rec.CurrentState
	rec.PreviousState = from
	rec.CurrentState = newState
	rec.StateChangedAt = m.clock()
	rec.StateChangedBy = who
	rec.StateChangeReason = reason
	return StateTransition{
		Branch:    rec.Branch,
		FromState: from,
		ToState:   newState,
		ChangedBy: who,
		Reason:    reason,
		Trigger:   trigger,
		At:        rec.StateChangedAt,
	}, nil
}

// AcquireLock acquires a lease on a branch or narrower resource (spec §4.1
// "Acquire algorithm"): load state, compute conflicts, persist if none,
// else fail with LockConflict. ttl is a pointer so a caller can request a
// literal zero-length lease (spec §8: "lock acquired with ttl = 0 is
// immediately expirable; first sweeper pass releases it") — a nil ttl
// means "unspecified," applying the kind's configured default instead.
func (m *Manager) AcquireLock(ctx context.Context, branch string, kind LockKind, scope LockScope, resourceType, resourceID, holder, reason string, ttl *time.Duration, heartbeatInterval time.Duration) (string, error) {
	now := m.clock()
	var effectiveTTL time.Duration
	if ttl != nil {
		effectiveTTL = *ttl
	} else if kind == KindIndexing && m.cfg.IndexingTTL > 0 {
		effectiveTTL = m.cfg.IndexingTTL
	} else {
		effectiveTTL = defaultTTL(kind, m.cfg.DefaultTTL)
	}

	lock := Lock{
		ID:                m.newID(),
		Branch:            branch,
		Scope:             scope,
		ResourceType:      resourceType,
		ResourceID:        resourceID,
		Kind:              kind,
		HolderID:          holder,
		AcquiredAt:        now,
		ExpiresAt:         now.Add(effectiveTTL),
		HeartbeatInterval: heartbeatInterval,
		AutoRelease:       true,
		Reason:            reason,
		Active:            true,
	}
	if heartbeatInterval > 0 {
		lock.LastHeartbeat = now
	}

	m.mu.Lock()
	if conflict := m.findConflictLocked(lock); conflict != nil {
		m.mu.Unlock()
		return "", omserrors.LockConflict(conflict.ID)
	}

	m.locks[lock.ID] = &lock

	var transition *StateTransition
	var stateSnapshot BranchStateRecord
	if kind == KindIndexing && scope == ScopeBranch {
		rec := m.getOrCreateLocked(branch)
		if rec.CurrentState != StateLockedForWrite {
			if t, err := m.transitionLocked(rec, StateLockedForWrite, holder, "indexing lock acquired: "+reason, "acquire_lock"); err == nil {
				transition = &t
				stateSnapshot = *rec
			}
		}
	}
	lockSnapshot := lock
	m.mu.Unlock()

	m.logger.LogLockEvent(ctx, "acquire_lock", lock.ID, branch, nil)
	m.persistLock(ctx, lockSnapshot)
	if transition != nil {
		m.persistTransition(ctx, *transition)
		m.persistBranchState(ctx, stateSnapshot)
	}
	return lock.ID, nil
}

func (m *Manager) findConflictLocked(candidate Lock) *Lock {
	now := m.clock()
	for _, existing := range m.locks {
		if !existing.isLive(now, m.heartbeatGrace()) {
			continue
		}
		if existing.conflictsWith(candidate) {
			return existing
		}
	}
	return nil
}

func (m *Manager) heartbeatGrace() int {
	if m.cfg.HeartbeatGrace <= 0 {
		return 3
	}
	return m.cfg.HeartbeatGrace
}

// ReleaseLock releases a held lock. Releasing an unknown lock is non-fatal
// (spec §4.1).
func (m *Manager) ReleaseLock(ctx context.Context, lockID, who string) bool {
	m.mu.Lock()
	result, ok := m.releaseLockedByID(lockID, who, "released")
	m.mu.Unlock()
	if !ok {
		m.logger.LogLockEvent(ctx, "release_lock", lockID, "", nil)
		return false
	}
	m.persistRelease(ctx, "release_lock", result)
	return true
}

// releaseResult carries everything a release caller needs to persist and
// log after unlocking (spec §5: never hold m.mu across storage calls).
type releaseResult struct {
	lock       Lock
	transition *StateTransition
	state      *BranchStateRecord
}

// releaseLockedByID marks a lock released and, for a branch-scoped INDEXING
// lock whose branch has no more active indexing locks, transitions the
// branch LOCKED_FOR_WRITE -> READY. Caller holds m.mu.
func (m *Manager) releaseLockedByID(lockID, who, reason string) (releaseResult, bool) {
	lock, ok := m.locks[lockID]
	if !ok || !lock.Active {
		return releaseResult{}, false
	}
	lock.Active = false
	lock.ReleasedAt = m.clock()
	lock.ReleasedBy = who
	lock.ReleasedReason = reason
	delete(m.locks, lockID)

	result := releaseResult{lock: *lock}
	if lock.Kind == KindIndexing && lock.Scope == ScopeBranch && !m.hasActiveIndexingLocksLocked(lock.Branch) {
		rec := m.getOrCreateLocked(lock.Branch)
		if rec.CurrentState == StateLockedForWrite {
			if t, err := m.transitionLocked(rec, StateReady, who, "indexing completed, ready for merge", "release_lock"); err == nil {
				result.transition = &t
				snap := *rec
				result.state = &snap
			}
		}
	}
	return result, true
}

func (m *Manager) hasActiveIndexingLocksLocked(branch string) bool {
	now := m.clock()
	for _, l := range m.locks {
		if l.Branch == branch && l.Kind == KindIndexing && l.isLive(now, m.heartbeatGrace()) {
			return true
		}
	}
	return false
}

func (m *Manager) releaseAllForBranchLocked(branch, who, reason string) []releaseResult {
	var results []releaseResult
	for id, l := range m.locks {
		if l.Branch != branch || !l.Active {
			continue
		}
		if result, ok := m.releaseLockedByID(id, who, reason); ok {
			results = append(results, result)
		}
	}
	return results
}

// SendHeartbeat refreshes a lock's liveness clock (spec §4.1 sendHeartbeat).
func (m *Manager) SendHeartbeat(ctx context.Context, lockID, holder, status string, _ map[string]interface{}) bool {
	m.mu.Lock()
	lock, ok := m.locks[lockID]
	if !ok || !lock.Active {
		m.mu.Unlock()
		m.logger.LogLockEvent(ctx, "heartbeat", lockID, "", nil)
		return false
	}
	lock.LastHeartbeat = m.clock()
	branch := lock.Branch
	m.mu.Unlock()

	m.logger.LogLockEvent(ctx, "heartbeat", lockID, branch, nil)
	_ = holder
	_ = status
	return true
}

// ExtendLockTTL extends the expiry of a live lock (spec §4.1 extendLockTTL).
func (m *Manager) ExtendLockTTL(ctx context.Context, lockID string, extension time.Duration, who, reason string) bool {
	m.mu.Lock()
	lock, ok := m.locks[lockID]
	if !ok || !lock.Active {
		m.mu.Unlock()
		return false
	}
	if lock.ExpiresAt.IsZero() {
		lock.ExpiresAt = m.clock().Add(extension)
	} else {
		lock.ExpiresAt = lock.ExpiresAt.Add(extension)
	}
	lockSnapshot := *lock
	branch := lock.Branch
	m.mu.Unlock()

	m.logger.LogLockEvent(ctx, "extend_ttl", lockID, branch, nil)
	m.persistLock(ctx, lockSnapshot)
	_ = who
	_ = reason
	return true
}

// ForceUnlock releases every active lock on a branch and resets it to
// ACTIVE (spec §4.1 forceUnlock, admin override).
func (m *Manager) ForceUnlock(ctx context.Context, branch, admin, reason string) (int, error) {
	m.mu.Lock()
	results := m.releaseAllForBranchLocked(branch, admin, "force_unlock: "+reason)
	rec := m.getOrCreateLocked(branch)
	transition, transErr := m.transitionLocked(rec, StateActive, admin, "force unlock: "+reason, "force_unlock")
	stateSnapshot := *rec
	m.mu.Unlock()

	for _, r := range results {
		m.persistReleaseEffects(ctx, r)
	}
	if transErr != nil {
		return len(results), transErr
	}

	m.logger.LogLockEvent(ctx, "force_unlock", "", branch, nil)
	m.persistTransition(ctx, transition)
	m.persistBranchState(ctx, stateSnapshot)
	return len(results), nil
}

// CheckWritePermission reports whether a write action is currently allowed
// on a branch (spec §4.1 checkWritePermission).
func (m *Manager) CheckWritePermission(_ context.Context, branch, _ string, resourceType string) (bool, string) {
	m.mu.Lock()
	rec := m.getOrCreateLocked(branch)
	state := rec.CurrentState
	blocked := m.writeBlockedLocked(branch, resourceType)
	m.mu.Unlock()

	switch state {
	case StateArchived:
		return false, "branch is archived"
	case StateError:
		return false, "branch is in an error state"
	case StateMerging:
		return false, "branch is merging"
	case StateLockedForWrite:
		if blocked {
			return false, "branch is locked for write by an active indexing lock"
		}
		return true, ""
	default:
		if blocked {
			return false, "resource is locked by an active indexing lock"
		}
		return true, ""
	}
}

func (m *Manager) writeBlockedLocked(branch, resourceType string) bool {
	now := m.clock()
	for _, l := range m.locks {
		if l.Branch != branch || !l.isLive(now, m.heartbeatGrace()) {
			continue
		}
		if l.Scope == ScopeBranch {
			return true
		}
		if l.Scope == ScopeResourceType && resourceType != "" && l.ResourceType == resourceType {
			return true
		}
	}
	return false
}

// LockForIndexing acquires indexing locks for Funnel-style schema indexing:
// by default one fine-grained RESOURCE_TYPE lock per type; force requests a
// single BRANCH-scoped lock instead (spec §4.1 lockForIndexing).
func (m *Manager) LockForIndexing(ctx context.Context, branch, holder string, resourceTypes []string, force bool) ([]string, error) {
	var lockIDs []string

	if force {
		id, err := m.AcquireLock(ctx, branch, KindIndexing, ScopeBranch, "", "", holder, "force branch lock for indexing", nil, 0)
		if err != nil {
			return nil, err
		}
		lockIDs = append(lockIDs, id)
	} else {
		types := resourceTypes
		if len(types) == 0 {
			types = []string{"object_type", "link_type", "action_type"}
		}
		for _, rt := range types {
			id, err := m.AcquireLock(ctx, branch, KindIndexing, ScopeResourceType, rt, "", holder, "indexing "+rt, nil, 2*time.Minute)
			if err != nil {
				m.logger.LogLockEvent(ctx, "lock_for_indexing_skip", "", branch, err)
				continue
			}
			lockIDs = append(lockIDs, id)
		}
	}

	m.mu.Lock()
	rec := m.getOrCreateLocked(branch)
	rec.IndexingStartedAt = m.clock()
	stateSnapshot := *rec
	m.mu.Unlock()
	m.persistBranchState(ctx, stateSnapshot)

	return lockIDs, nil
}

// CompleteIndexing releases indexing locks for a branch, optionally scoped
// to specific resource types, transitioning LOCKED_FOR_WRITE -> READY only
// once every indexing lock is gone (spec §4.1 completeIndexing).
func (m *Manager) CompleteIndexing(ctx context.Context, branch, who string, resourceTypes []string) (bool, error) {
	m.mu.Lock()
	var toRelease []string
	for id, l := range m.locks {
		if l.Branch != branch || l.Kind != KindIndexing || !l.Active {
			continue
		}
		if len(resourceTypes) > 0 && !containsString(resourceTypes, l.ResourceType) {
			continue
		}
		toRelease = append(toRelease, id)
	}
	m.mu.Unlock()

	if len(toRelease) == 0 {
		return false, nil
	}

	for _, id := range toRelease {
		m.ReleaseLock(ctx, id, who)
	}

	m.mu.Lock()
	rec := m.getOrCreateLocked(branch)
	rec.IndexingCompletedAt = m.clock()
	stateSnapshot := *rec
	m.mu.Unlock()
	m.persistBranchState(ctx, stateSnapshot)

	return true, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// persistLock writes l to store, logging rather than failing on error: the
// in-memory table remains authoritative for conflict detection until the
// next restart (spec §5 concurrency model).
func (m *Manager) persistLock(ctx context.Context, l Lock) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveLock(ctx, l); err != nil {
		m.logger.WithFields(map[string]interface{}{"lock_id": l.ID, "error": err.Error()}).Warn("failed to persist lock")
	}
}

func (m *Manager) persistLockDeletion(ctx context.Context, lockID string) {
	if m.store == nil {
		return
	}
	if err := m.store.DeleteLock(ctx, lockID); err != nil {
		m.logger.WithFields(map[string]interface{}{"lock_id": lockID, "error": err.Error()}).Warn("failed to persist lock release")
	}
}

func (m *Manager) persistTransition(ctx context.Context, t StateTransition) {
	if m.store == nil {
		return
	}
	if err := m.store.AppendTransition(ctx, t); err != nil {
		m.logger.WithFields(map[string]interface{}{"branch": t.Branch, "error": err.Error()}).Warn("failed to persist branch state transition")
	}
}

func (m *Manager) persistBranchState(ctx context.Context, rec BranchStateRecord) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveBranchState(ctx, rec); err != nil {
		m.logger.WithFields(map[string]interface{}{"branch": rec.Branch, "error": err.Error()}).Warn("failed to persist branch state")
	}
}

// persistReleaseEffects writes the storage side effects of a lock release
// (lock deletion and any branch-state transition it triggered) and emits
// the release audit event. Callers that already log their own top-level
// LogLockEvent (SetBranchState, ForceUnlock) use this directly; ReleaseLock
// and the sweepers use persistRelease, which additionally logs a per-lock
// release event.
func (m *Manager) persistReleaseEffects(ctx context.Context, r releaseResult) {
	m.persistLockDeletion(ctx, r.lock.ID)
	if r.transition != nil {
		m.persistTransition(ctx, *r.transition)
	}
	if r.state != nil {
		m.persistBranchState(ctx, *r.state)
	}
	m.emitReleaseAudit(ctx, r.lock, r.lock.ReleasedReason)
}

func (m *Manager) persistRelease(ctx context.Context, event string, r releaseResult) {
	m.logger.LogLockEvent(ctx, event, r.lock.ID, r.lock.Branch, nil)
	m.persistReleaseEffects(ctx, r)
}

func (m *Manager) emitReleaseAudit(ctx context.Context, l Lock, reason string) {
	m.logger.LogAudit(ctx, "lock.release", true, nil)
	if m.auditStore == nil {
		return
	}
	evt := audit.Event{
		ID:        "audit-release-" + l.ID,
		Timestamp: m.clock(),
		Action:    "lock.release",
		ActorID:   l.ReleasedBy,
		Target:    audit.Target{Kind: "lock", ID: l.ID, Branch: l.Branch},
		Success:   true,
		Metadata: map[string]interface{}{
			"kind":   string(l.Kind),
			"scope":  string(l.Scope),
			"reason": reason,
		},
	}
	if _, err := m.auditStore.Insert(ctx, evt); err != nil {
		m.logger.WithFields(map[string]interface{}{"lock_id": l.ID, "error": err.Error()}).Warn("failed to record lock release audit event")
	}
}
