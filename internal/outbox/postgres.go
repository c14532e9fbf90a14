package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGStore implements Store on a PostgreSQL table, claiming batches with
// FOR UPDATE SKIP LOCKED so concurrent dispatcher instances never contend
// for the same record, grounded on jam.PGStore.NextPending.
type PGStore struct {
	DB *sql.DB
}

// NewPGStore constructs a PostgreSQL-backed outbox store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{DB: db}
}

// Insert writes a new record in its own transaction, or returns the
// existing one for a repeated idempotency key via ON CONFLICT DO NOTHING
// + a follow-up SELECT.
func (s *PGStore) Insert(ctx context.Context, spec PublishSpec, maxRetries int) (Record, bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, inserted, err := insertOutboxRow(ctx, tx, spec, maxRetries)
	if err != nil {
		return Record{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, false, err
	}
	return rec, inserted, nil
}

// InsertTx enlists the insert in sqlTx rather than opening a transaction
// of its own, so it shares the fate of whatever business write sqlTx also
// carries (see PublishWithDoc). A nil sqlTx falls back to Insert.
func (s *PGStore) InsertTx(ctx context.Context, sqlTx *sql.Tx, spec PublishSpec, maxRetries int) (Record, bool, error) {
	if sqlTx == nil {
		return s.Insert(ctx, spec, maxRetries)
	}
	return insertOutboxRow(ctx, sqlTx, spec, maxRetries)
}

// insertOutboxRow performs the insert-or-dedup logic against an
// already-open transaction; the caller owns commit/rollback.
func insertOutboxRow(ctx context.Context, tx *sql.Tx, spec PublishSpec, maxRetries int) (Record, bool, error) {
	key := spec.IdempotencyKey
	if key == "" {
		computed, err := computeIdempotencyKey(spec)
		if err != nil {
			return Record{}, false, err
		}
		key = computed
	}

	payload, err := json.Marshal(spec.Payload)
	if err != nil {
		return Record{}, false, err
	}

	now := time.Now().UTC()
	var eventID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO oms_outbox
			(event_type, source, subject, payload, correlation_id, idempotency_key, status, max_retries, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING event_id
	`, spec.EventType, spec.Source, spec.Subject, payload, spec.CorrelationID, key, StatusPending, maxRetries, now).Scan(&eventID)

	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := getByIdempotencyKey(ctx, tx, key)
		if getErr != nil {
			return Record{}, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	return Record{
		EventID:        eventID,
		EventType:      spec.EventType,
		Source:         spec.Source,
		Subject:        spec.Subject,
		Payload:        spec.Payload,
		CorrelationID:  spec.CorrelationID,
		IdempotencyKey: key,
		Status:         StatusPending,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
	}, true, nil
}

func getByIdempotencyKey(ctx context.Context, tx *sql.Tx, key string) (Record, error) {
	var r Record
	var payload []byte
	var processedAt sql.NullTime
	var nextAttemptAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT event_id, event_type, source, subject, payload, correlation_id, idempotency_key,
		       status, retry_count, max_retries, created_at, processed_at, error_message, next_attempt_at
		FROM oms_outbox WHERE idempotency_key = $1
	`, key).Scan(&r.EventID, &r.EventType, &r.Source, &r.Subject, &payload, &r.CorrelationID, &r.IdempotencyKey,
		&r.Status, &r.RetryCount, &r.MaxRetries, &r.CreatedAt, &processedAt, &r.ErrorMessage, &nextAttemptAt)
	if err != nil {
		return Record{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return Record{}, err
		}
	}
	if processedAt.Valid {
		r.ProcessedAt = &processedAt.Time
	}
	if nextAttemptAt.Valid {
		r.NextAttemptAt = nextAttemptAt.Time
	}
	return r, nil
}

// ClaimBatch selects up to batchSize eligible rows with FOR UPDATE SKIP
// LOCKED and marks them PROCESSING in the same transaction.
func (s *PGStore) ClaimBatch(ctx context.Context, batchSize int, now time.Time) ([]Record, error) {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT event_id, event_type, source, subject, payload, correlation_id, idempotency_key,
		       status, retry_count, max_retries, created_at, processed_at, error_message, next_attempt_at
		FROM oms_outbox
		WHERE retry_count < max_retries
		  AND (status = $1 OR (status = $2 AND next_attempt_at <= $3))
		ORDER BY created_at
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`, StatusPending, StatusFailed, now, batchSize)
	if err != nil {
		return nil, err
	}

	var claimed []Record
	var ids []string
	for rows.Next() {
		var r Record
		var payload []byte
		var processedAt sql.NullTime
		var nextAttemptAt sql.NullTime
		if err := rows.Scan(&r.EventID, &r.EventType, &r.Source, &r.Subject, &payload, &r.CorrelationID, &r.IdempotencyKey,
			&r.Status, &r.RetryCount, &r.MaxRetries, &r.CreatedAt, &processedAt, &r.ErrorMessage, &nextAttemptAt); err != nil {
			rows.Close()
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &r.Payload); err != nil {
				rows.Close()
				return nil, err
			}
		}
		if processedAt.Valid {
			r.ProcessedAt = &processedAt.Time
		}
		if nextAttemptAt.Valid {
			r.NextAttemptAt = nextAttemptAt.Time
		}
		r.Status = StatusProcessing
		claimed = append(claimed, r)
		ids = append(ids, r.EventID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE oms_outbox SET status = $1 WHERE event_id = $2`, StatusProcessing, id); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkCompleted transitions a record to COMPLETED.
func (s *PGStore) MarkCompleted(ctx context.Context, eventID string, processedAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE oms_outbox SET status = $1, processed_at = $2 WHERE event_id = $3
	`, StatusCompleted, processedAt, eventID)
	return err
}

// MarkFailed increments retry_count and schedules the next attempt.
func (s *PGStore) MarkFailed(ctx context.Context, eventID string, errMessage string, nextAttemptAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE oms_outbox
		SET status = $1, retry_count = retry_count + 1, error_message = $2, next_attempt_at = $3
		WHERE event_id = $4
	`, StatusFailed, errMessage, nextAttemptAt, eventID)
	return err
}

// MarkDeadLetter transitions a record to the terminal DEAD_LETTER state.
func (s *PGStore) MarkDeadLetter(ctx context.Context, eventID string, errMessage string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE oms_outbox SET status = $1, error_message = $2 WHERE event_id = $3
	`, StatusDeadLetter, errMessage, eventID)
	return err
}

// Statistics returns counts by status.
func (s *PGStore) Statistics(ctx context.Context) (Statistics, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM oms_outbox GROUP BY status`)
	if err != nil {
		return Statistics{}, err
	}
	defer rows.Close()

	var stats Statistics
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Statistics{}, err
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusProcessing:
			stats.Processing = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusDeadLetter:
			stats.DeadLetter = count
		}
	}
	return stats, rows.Err()
}

// CleanupCompleted deletes COMPLETED records older than olderThan.
func (s *PGStore) CleanupCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM oms_outbox WHERE status = $1 AND processed_at < $2
	`, StatusCompleted, olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
