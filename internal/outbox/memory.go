package outbox

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a non-durable outbox store for tests and local
// development, grounded on jam.InMemoryStore's mutex-guarded map shape.
type InMemoryStore struct {
	mu          sync.Mutex
	records     map[string]Record
	idempotency map[string]string // idempotency_key -> event_id
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:     make(map[string]Record),
		idempotency: make(map[string]string),
	}
}

// Insert deduplicates by idempotency key before inserting a new PENDING
// record (spec §4.3 insertion protocol).
func (s *InMemoryStore) Insert(_ context.Context, spec PublishSpec, maxRetries int) (Record, bool, error) {
	key := spec.IdempotencyKey
	if key == "" {
		computed, err := computeIdempotencyKey(spec)
		if err != nil {
			return Record{}, false, err
		}
		key = computed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.idempotency[key]; ok {
		return s.records[existingID], false, nil
	}

	r := Record{
		EventID:        uuid.New().String(),
		EventType:      spec.EventType,
		Source:         spec.Source,
		Subject:        spec.Subject,
		Payload:        spec.Payload,
		CorrelationID:  spec.CorrelationID,
		IdempotencyKey: key,
		Status:         StatusPending,
		MaxRetries:     maxRetries,
		CreatedAt:      time.Now().UTC(),
	}
	s.records[r.EventID] = r
	s.idempotency[key] = r.EventID
	return r, true, nil
}

// InsertTx ignores sqlTx (the in-memory store has no real transaction
// object) and inserts under its own lock instead; atomicity with the
// accompanying business write comes from the in-memory DocStore's Txn
// holding its own lock for the duration of the composed call.
func (s *InMemoryStore) InsertTx(ctx context.Context, _ *sql.Tx, spec PublishSpec, maxRetries int) (Record, bool, error) {
	return s.Insert(ctx, spec, maxRetries)
}

// ClaimBatch returns up to batchSize eligible records, marking them
// PROCESSING (spec §4.3 dispatcher loop steps 1-3).
func (s *InMemoryStore) ClaimBatch(_ context.Context, batchSize int, now time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []Record
	for _, r := range s.records {
		if r.RetryCount >= r.MaxRetries {
			continue
		}
		switch r.Status {
		case StatusPending:
			eligible = append(eligible, r)
		case StatusFailed:
			if !r.NextAttemptAt.After(now) {
				eligible = append(eligible, r)
			}
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].CreatedAt.Before(eligible[j].CreatedAt) })

	if batchSize > 0 && len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	claimed := make([]Record, 0, len(eligible))
	for _, r := range eligible {
		r.Status = StatusProcessing
		s.records[r.EventID] = r
		claimed = append(claimed, r)
	}
	return claimed, nil
}

// MarkCompleted transitions a record to COMPLETED (spec: "a record leaves
// PROCESSING only via COMPLETED, FAILED, or DEAD_LETTER").
func (s *InMemoryStore) MarkCompleted(_ context.Context, eventID string, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[eventID]
	if !ok {
		return nil
	}
	r.Status = StatusCompleted
	r.ProcessedAt = &processedAt
	s.records[eventID] = r
	return nil
}

// MarkFailed increments retry_count and schedules the next attempt.
func (s *InMemoryStore) MarkFailed(_ context.Context, eventID string, errMessage string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[eventID]
	if !ok {
		return nil
	}
	r.Status = StatusFailed
	r.RetryCount++
	r.ErrorMessage = errMessage
	r.NextAttemptAt = nextAttemptAt
	s.records[eventID] = r
	return nil
}

// MarkDeadLetter transitions a record to the terminal DEAD_LETTER state.
func (s *InMemoryStore) MarkDeadLetter(_ context.Context, eventID string, errMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[eventID]
	if !ok {
		return nil
	}
	r.Status = StatusDeadLetter
	r.ErrorMessage = errMessage
	s.records[eventID] = r
	return nil
}

// Statistics returns counts by status.
func (s *InMemoryStore) Statistics(_ context.Context) (Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Statistics
	for _, r := range s.records {
		switch r.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusDeadLetter:
			stats.DeadLetter++
		}
	}
	return stats, nil
}

// CleanupCompleted deletes COMPLETED records (and their idempotency index
// entries) older than olderThan. Dead-lettered records are never
// auto-deleted (spec §4.3 Cleanup).
func (s *InMemoryStore) CleanupCompleted(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, r := range s.records {
		if r.Status == StatusCompleted && r.ProcessedAt != nil && r.ProcessedAt.Before(olderThan) {
			delete(s.records, id)
			delete(s.idempotency, r.IdempotencyKey)
			count++
		}
	}
	return count, nil
}
