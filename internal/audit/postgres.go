package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/oms-core/metadata-core/internal/omserrors"
)

// PGStore implements Store on PostgreSQL tables, grounded on the core's
// dual in-memory/Postgres storage shape (applications/jam/store_pg.go).
type PGStore struct {
	DB               *sql.DB
	defaultRetention time.Duration
}

// NewPGStore constructs a PostgreSQL-backed audit store.
func NewPGStore(db *sql.DB, defaultRetention time.Duration) *PGStore {
	return &PGStore{DB: db, defaultRetention: defaultRetention}
}

// Insert persists a single audit event.
func (s *PGStore) Insert(ctx context.Context, e Event) (Event, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	prepared, err := prepareEvent(e, s.defaultRetention)
	if err != nil {
		return Event{}, err
	}
	if err := insertEventRow(ctx, s.DB, prepared); err != nil {
		return Event{}, err
	}
	return prepared, nil
}

// InsertBatch persists a set of events plus their combined batch hash, all
// within one transaction.
func (s *PGStore) InsertBatch(ctx context.Context, events []Event) ([]Event, BatchRecord, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, BatchRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	prepared := make([]Event, 0, len(events))
	hashes := make([]string, 0, len(events))
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		pe, err := prepareEvent(e, s.defaultRetention)
		if err != nil {
			return nil, BatchRecord{}, err
		}
		if err := insertEventRow(ctx, tx, pe); err != nil {
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

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_integrity (batch_start, batch_end, event_count, batch_hash)
		VALUES ($1, $2, $3, $4)
	`, record.BatchStart, record.BatchEnd, record.Count, record.BatchHash); err != nil {
		return nil, BatchRecord{}, err
	}

	for i := range prepared {
		if _, err := tx.ExecContext(ctx, `UPDATE audit_events SET batch_hash = $1 WHERE id = $2`, record.BatchHash, prepared[i].ID); err != nil {
			return nil, BatchRecord{}, err
		}
		prepared[i].BatchHash = record.BatchHash
	}

	if err := tx.Commit(); err != nil {
		return nil, BatchRecord{}, err
	}
	return prepared, record, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertEventRow(ctx context.Context, ex execer, e Event) error {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	compliance, err := json.Marshal(e.Compliance)
	if err != nil {
		return err
	}
	var errCode, errMessage string
	if e.Error != nil {
		errCode, errMessage = e.Error.Code, e.Error.Message
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, created_at, action, actor_id, actor_name, actor_is_service,
			target_kind, target_id, target_name, target_branch,
			success, error_code, error_message, duration_ms,
			request_id, correlation_id, causation_id,
			changes_json, metadata_json, tags, compliance_json,
			event_hash, retention_until, archived
		) VALUES (
			$1,$2,$3,$4,$5,$6,
			$7,$8,$9,$10,
			$11,$12,$13,$14,
			$15,$16,$17,
			$18,$19,$20,$21,
			$22,$23,$24
		)
	`, e.ID, e.Timestamp, e.Action, e.ActorID, e.ActorName, e.ActorIsService,
		e.Target.Kind, e.Target.ID, e.Target.Name, e.Target.Branch,
		e.Success, errCode, errMessage, e.DurationMS,
		e.RequestID, e.CorrelationID, e.CausationID,
		changes, metadata, pq.Array(e.Tags), compliance,
		e.EventHash, e.RetentionUntil, e.Archived)
	return err
}

// Get fetches an event by id.
func (s *PGStore) Get(ctx context.Context, id string) (Event, bool, error) {
	e, err := scanEventRow(s.DB.QueryRowContext(ctx, `
		SELECT id, created_at, action, actor_id, actor_name, actor_is_service,
			target_kind, target_id, target_name, target_branch,
			success, error_code, error_message, duration_ms,
			request_id, correlation_id, causation_id,
			changes_json, metadata_json, tags, compliance_json,
			event_hash, batch_hash, retention_until, archived
		FROM audit_events WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return e, true, nil
}

func scanEventRow(row *sql.Row) (Event, error) {
	var e Event
	var changes, metadata, compliance []byte
	var errCode, errMessage, batchHashVal sql.NullString
	var durationMS sql.NullInt64
	var tags []string

	err := row.Scan(&e.ID, &e.Timestamp, &e.Action, &e.ActorID, &e.ActorName, &e.ActorIsService,
		&e.Target.Kind, &e.Target.ID, &e.Target.Name, &e.Target.Branch,
		&e.Success, &errCode, &errMessage, &durationMS,
		&e.RequestID, &e.CorrelationID, &e.CausationID,
		&changes, &metadata, pq.Array(&tags), &compliance,
		&e.EventHash, &batchHashVal, &e.RetentionUntil, &e.Archived)
	if err != nil {
		return Event{}, err
	}

	if len(changes) > 0 {
		_ = json.Unmarshal(changes, &e.Changes)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &e.Metadata)
	}
	if len(compliance) > 0 {
		_ = json.Unmarshal(compliance, &e.Compliance)
	}
	e.Tags = tags
	e.BatchHash = batchHashVal.String
	if errCode.Valid || errMessage.Valid {
		e.Error = &ErrorInfo{Code: errCode.String, Message: errMessage.String}
	}
	if durationMS.Valid {
		e.DurationMS = &durationMS.Int64
	}
	return e, nil
}

// Query filters and paginates events.
func (s *PGStore) Query(ctx context.Context, filter Filter, limit, offset int) (QueryResult, error) {
	query := `SELECT id FROM audit_events WHERE 1=1`
	var args []interface{}
	n := 1
	add := func(clause string, arg interface{}) {
		query += clause
		args = append(args, arg)
		n++
	}
	if !filter.From.IsZero() {
		add(" AND created_at >= $"+itoa(n), filter.From)
	}
	if !filter.To.IsZero() {
		add(" AND created_at <= $"+itoa(n), filter.To)
	}
	if filter.ActorID != "" {
		add(" AND actor_id = $"+itoa(n), filter.ActorID)
	}
	if filter.Action != "" {
		add(" AND action = $"+itoa(n), filter.Action)
	}
	if filter.TargetKind != "" {
		add(" AND target_kind = $"+itoa(n), filter.TargetKind)
	}
	if filter.TargetID != "" {
		add(" AND target_id = $"+itoa(n), filter.TargetID)
	}
	if filter.Branch != "" {
		add(" AND target_branch = $"+itoa(n), filter.Branch)
	}
	if filter.Success != nil {
		add(" AND success = $"+itoa(n), *filter.Success)
	}
	if filter.RequestID != "" {
		add(" AND request_id = $"+itoa(n), filter.RequestID)
	}
	if filter.Correlation != "" {
		add(" AND correlation_id = $"+itoa(n), filter.Correlation)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS c"
	if err := s.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return QueryResult{}, err
	}

	query += " ORDER BY created_at"
	if limit > 0 {
		query += " LIMIT " + itoa(limit)
	}
	if offset > 0 {
		query += " OFFSET " + itoa(offset)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return QueryResult{}, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return QueryResult{}, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, err
	}

	events := make([]Event, 0, len(ids))
	for _, id := range ids {
		e, ok, err := s.Get(ctx, id)
		if err != nil {
			return QueryResult{}, err
		}
		if ok {
			events = append(events, e)
		}
	}
	return QueryResult{Events: events, TotalCount: total}, nil
}

// VerifyIntegrity recomputes event_hash for every non-archived row.
func (s *PGStore) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, created_at, action, actor_id, target_kind, target_id, success, event_hash
		FROM audit_events WHERE archived = FALSE
	`)
	if err != nil {
		return IntegrityReport{}, err
	}
	defer rows.Close()

	report := IntegrityReport{}
	for rows.Next() {
		var e Event
		var storedHash string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Action, &e.ActorID, &e.Target.Kind, &e.Target.ID, &e.Success, &storedHash); err != nil {
			return IntegrityReport{}, err
		}
		report.CheckedCount++
		recomputed, err := eventHash(e)
		if err != nil {
			return IntegrityReport{}, err
		}
		if recomputed != storedHash {
			report.CorruptIDs = append(report.CorruptIDs, e.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return IntegrityReport{}, err
	}
	sort.Strings(report.CorruptIDs)
	if len(report.CorruptIDs) > 0 {
		return report, omserrors.IntegrityError(report.CorruptIDs)
	}
	return report, nil
}

// ArchiveExpired flips archived=true for events past their retention.
func (s *PGStore) ArchiveExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE audit_events SET archived = TRUE
		WHERE archived = FALSE AND retention_until <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SavePolicySnapshot upserts a tracked policy's snapshot.
func (s *PGStore) SavePolicySnapshot(ctx context.Context, snap PolicySnapshot) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO audit_policy_snapshots
			(policy_id, content_hash, metadata_hash, file_hash, file_size, file_mtime, signature_hash, snapshot_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (policy_id) DO UPDATE SET
			content_hash = EXCLUDED.content_hash,
			metadata_hash = EXCLUDED.metadata_hash,
			file_hash = EXCLUDED.file_hash,
			file_size = EXCLUDED.file_size,
			file_mtime = EXCLUDED.file_mtime,
			signature_hash = EXCLUDED.signature_hash,
			snapshot_hash = EXCLUDED.snapshot_hash
	`, snap.PolicyID, snap.ContentHash, snap.MetadataHash, snap.FileHash, snap.FileSize, snap.FileMTime, snap.SignatureHash, snap.SnapshotHash)
	return err
}

// GetPolicySnapshot returns the stored snapshot for a policy id.
func (s *PGStore) GetPolicySnapshot(ctx context.Context, policyID string) (PolicySnapshot, bool, error) {
	var snap PolicySnapshot
	err := s.DB.QueryRowContext(ctx, `
		SELECT policy_id, content_hash, metadata_hash, file_hash, file_size, file_mtime, signature_hash, snapshot_hash
		FROM audit_policy_snapshots WHERE policy_id = $1
	`, policyID).Scan(&snap.PolicyID, &snap.ContentHash, &snap.MetadataHash, &snap.FileHash, &snap.FileSize, &snap.FileMTime, &snap.SignatureHash, &snap.SnapshotHash)
	if errors.Is(err, sql.ErrNoRows) {
		return PolicySnapshot{}, false, nil
	}
	if err != nil {
		return PolicySnapshot{}, false, err
	}
	return snap, true, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
