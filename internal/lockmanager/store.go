package lockmanager

import "context"

// Store persists locks, branch state, and the branch-state transition
// journal so a restarted process rebuilds its working set instead of
// starting every branch at ACTIVE with no locks held (spec §4.1 "every
// state transition is journaled"; NEW COMPONENT DETAIL: crash recovery
// reloads persisted locks and branch state before Manager serves traffic).
// A nil Store is valid: Manager then keeps its in-memory tables as the
// only copy, exactly as it did before this persistence layer existed.
type Store interface {
	SaveLock(ctx context.Context, l Lock) error
	DeleteLock(ctx context.Context, lockID string) error
	LoadActiveLocks(ctx context.Context) ([]Lock, error)

	SaveBranchState(ctx context.Context, rec BranchStateRecord) error
	LoadBranchStates(ctx context.Context) ([]BranchStateRecord, error)

	AppendTransition(ctx context.Context, t StateTransition) error
}
