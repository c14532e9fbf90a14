package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oms-core/metadata-core/internal/omserrors"
)

// InMemoryStore is a non-durable audit store for tests and local
// development.
type InMemoryStore struct {
	mu               sync.Mutex
	events           map[string]Event
	snapshots        map[string]PolicySnapshot
	defaultRetention time.Duration
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore(defaultRetention time.Duration) *InMemoryStore {
	return &InMemoryStore{
		events:           make(map[string]Event),
		snapshots:        make(map[string]PolicySnapshot),
		defaultRetention: defaultRetention,
	}
}

// Insert persists a single audit event, computing its hash and retention.
func (s *InMemoryStore) Insert(_ context.Context, e Event) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	prepared, err := prepareEvent(e, s.defaultRetention)
	if err != nil {
		return Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[prepared.ID] = prepared
	return prepared, nil
}

// InsertBatch persists a set of events and records their combined batch
// hash (spec §4.4 "Batch: ... plus a batch_hash").
func (s *InMemoryStore) InsertBatch(ctx context.Context, events []Event) ([]Event, BatchRecord, error) {
	prepared := make([]Event, 0, len(events))
	hashes := make([]string, 0, len(events))

	for _, e := range events {
		pe, err := s.Insert(ctx, e)
		if err != nil {
			return nil, BatchRecord{}, err
		}
		prepared = append(prepared, pe)
		hashes = append(hashes, pe.EventHash)
	}

	record := BatchRecord{Count: len(prepared), BatchHash: batchHash(hashes)}
	if len(prepared) > 0 {
		record.BatchStart = prepared[0].Timestamp
		record.BatchEnd = prepared[len(prepared)-1].Timestamp
	}

	s.mu.Lock()
	for i := range prepared {
		prepared[i].BatchHash = record.BatchHash
		s.events[prepared[i].ID] = prepared[i]
	}
	s.mu.Unlock()

	return prepared, record, nil
}

// Get fetches an event by id.
func (s *InMemoryStore) Get(_ context.Context, id string) (Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	return e, ok, nil
}

// Query filters and paginates events (spec §4.4 query surface).
func (s *InMemoryStore) Query(_ context.Context, filter Filter, limit, offset int) (QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Event
	for _, e := range s.events {
		if !filter.From.IsZero() && e.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.Timestamp.After(filter.To) {
			continue
		}
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.TargetKind != "" && e.Target.Kind != filter.TargetKind {
			continue
		}
		if filter.TargetID != "" && e.Target.ID != filter.TargetID {
			continue
		}
		if filter.Branch != "" && e.Target.Branch != filter.Branch {
			continue
		}
		if filter.Success != nil && e.Success != *filter.Success {
			continue
		}
		if filter.RequestID != "" && e.RequestID != filter.RequestID {
			continue
		}
		if filter.Correlation != "" && e.CorrelationID != filter.Correlation {
			continue
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })

	total := len(matched)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return QueryResult{Events: append([]Event(nil), matched[offset:end]...), TotalCount: total}, nil
}

// VerifyIntegrity recomputes event_hash for every non-archived row and
// reports any mismatch (spec §4.4).
func (s *InMemoryStore) VerifyIntegrity(_ context.Context) (IntegrityReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := IntegrityReport{}
	for id, e := range s.events {
		if e.Archived {
			continue
		}
		report.CheckedCount++
		recomputed, err := eventHash(e)
		if err != nil {
			return IntegrityReport{}, err
		}
		if recomputed != e.EventHash {
			report.CorruptIDs = append(report.CorruptIDs, id)
		}
	}
	sort.Strings(report.CorruptIDs)
	if len(report.CorruptIDs) > 0 {
		return report, omserrors.IntegrityError(report.CorruptIDs)
	}
	return report, nil
}

// ArchiveExpired flips archived=true for events whose retention has
// elapsed (spec §4.4 cleanup/archival).
func (s *InMemoryStore) ArchiveExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, e := range s.events {
		if !e.Archived && !e.RetentionUntil.After(now) {
			e.Archived = true
			s.events[id] = e
			count++
		}
	}
	return count, nil
}

// SavePolicySnapshot records or overwrites a tracked policy's snapshot.
func (s *InMemoryStore) SavePolicySnapshot(_ context.Context, snap PolicySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.PolicyID] = snap
	return nil
}

// GetPolicySnapshot returns the stored snapshot for a policy id.
func (s *InMemoryStore) GetPolicySnapshot(_ context.Context, policyID string) (PolicySnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[policyID]
	return snap, ok, nil
}
