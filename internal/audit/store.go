package audit

import (
	"context"
	"time"
)

// Store persists audit events and integrity batch records (spec §4.4).
type Store interface {
	Insert(ctx context.Context, e Event) (Event, error)
	InsertBatch(ctx context.Context, events []Event) ([]Event, BatchRecord, error)
	Query(ctx context.Context, filter Filter, limit, offset int) (QueryResult, error)
	Get(ctx context.Context, id string) (Event, bool, error)
	VerifyIntegrity(ctx context.Context) (IntegrityReport, error)
	ArchiveExpired(ctx context.Context, now time.Time) (int, error)

	SavePolicySnapshot(ctx context.Context, snap PolicySnapshot) error
	GetPolicySnapshot(ctx context.Context, policyID string) (PolicySnapshot, bool, error)
}

// prepareEvent fills in derived fields (hash, retention) shared by every
// Store implementation's Insert path.
func prepareEvent(e Event, defaultRetention time.Duration) (Event, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	h, err := eventHash(e)
	if err != nil {
		return Event{}, err
	}
	e.EventHash = h
	e.RetentionUntil = e.Timestamp.Add(RetentionFor(e.Action, defaultRetention))
	return e, nil
}
