package lockmanager

import (
	"context"
	"database/sql"
	"time"
)

// PGStore implements Store on PostgreSQL tables, grounded on the same dual
// in-memory/Postgres shape as audit.PGStore and outbox.PGStore.
type PGStore struct {
	DB *sql.DB
}

// NewPGStore constructs a PostgreSQL-backed lock manager store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{DB: db}
}

func (s *PGStore) SaveLock(ctx context.Context, l Lock) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO oms_locks (
			lock_id, branch, scope, resource_type, resource_id, kind, holder_id,
			acquired_at, expires_at, heartbeat_interval_ns, last_heartbeat,
			auto_release, reason, active, released_at, released_by, released_reason
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (lock_id) DO UPDATE SET
			active = EXCLUDED.active,
			expires_at = EXCLUDED.expires_at,
			last_heartbeat = EXCLUDED.last_heartbeat,
			released_at = EXCLUDED.released_at,
			released_by = EXCLUDED.released_by,
			released_reason = EXCLUDED.released_reason
	`, l.ID, l.Branch, string(l.Scope), l.ResourceType, l.ResourceID, string(l.Kind), l.HolderID,
		l.AcquiredAt, nullableTime(l.ExpiresAt), int64(l.HeartbeatInterval), nullableTime(l.LastHeartbeat),
		l.AutoRelease, l.Reason, l.Active, nullableTime(l.ReleasedAt), l.ReleasedBy, l.ReleasedReason)
	return err
}

func (s *PGStore) DeleteLock(ctx context.Context, lockID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM oms_locks WHERE lock_id = $1`, lockID)
	return err
}

func (s *PGStore) LoadActiveLocks(ctx context.Context) ([]Lock, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT lock_id, branch, scope, resource_type, resource_id, kind, holder_id,
		       acquired_at, expires_at, heartbeat_interval_ns, last_heartbeat, auto_release, reason, active
		FROM oms_locks WHERE active = TRUE
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lock
	for rows.Next() {
		var l Lock
		var scope, kind string
		var heartbeatNS int64
		var expiresAt, lastHeartbeat sql.NullTime
		if err := rows.Scan(&l.ID, &l.Branch, &scope, &l.ResourceType, &l.ResourceID, &kind, &l.HolderID,
			&l.AcquiredAt, &expiresAt, &heartbeatNS, &lastHeartbeat, &l.AutoRelease, &l.Reason, &l.Active); err != nil {
			return nil, err
		}
		l.Scope = LockScope(scope)
		l.Kind = LockKind(kind)
		l.HeartbeatInterval = time.Duration(heartbeatNS)
		if expiresAt.Valid {
			l.ExpiresAt = expiresAt.Time
		}
		if lastHeartbeat.Valid {
			l.LastHeartbeat = lastHeartbeat.Time
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PGStore) SaveBranchState(ctx context.Context, rec BranchStateRecord) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO oms_branch_state (
			branch, current_state, previous_state, state_changed_at, state_changed_by,
			state_change_reason, indexing_started_at, indexing_completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (branch) DO UPDATE SET
			current_state = EXCLUDED.current_state,
			previous_state = EXCLUDED.previous_state,
			state_changed_at = EXCLUDED.state_changed_at,
			state_changed_by = EXCLUDED.state_changed_by,
			state_change_reason = EXCLUDED.state_change_reason,
			indexing_started_at = EXCLUDED.indexing_started_at,
			indexing_completed_at = EXCLUDED.indexing_completed_at
	`, rec.Branch, string(rec.CurrentState), string(rec.PreviousState), rec.StateChangedAt, rec.StateChangedBy,
		rec.StateChangeReason, nullableTime(rec.IndexingStartedAt), nullableTime(rec.IndexingCompletedAt))
	return err
}

func (s *PGStore) LoadBranchStates(ctx context.Context) ([]BranchStateRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT branch, current_state, previous_state, state_changed_at, state_changed_by,
		       state_change_reason, indexing_started_at, indexing_completed_at
		FROM oms_branch_state
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BranchStateRecord
	for rows.Next() {
		var rec BranchStateRecord
		var current, previous string
		var indexingStarted, indexingCompleted sql.NullTime
		if err := rows.Scan(&rec.Branch, &current, &previous, &rec.StateChangedAt, &rec.StateChangedBy,
			&rec.StateChangeReason, &indexingStarted, &indexingCompleted); err != nil {
			return nil, err
		}
		rec.CurrentState = BranchState(current)
		rec.PreviousState = BranchState(previous)
		if indexingStarted.Valid {
			rec.IndexingStartedAt = indexingStarted.Time
		}
		if indexingCompleted.Valid {
			rec.IndexingCompletedAt = indexingCompleted.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendTransition(ctx context.Context, t StateTransition) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO oms_branch_state_journal (branch, from_state, to_state, changed_by, reason, trigger, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, t.Branch, string(t.FromState), string(t.ToState), t.ChangedBy, t.Reason, t.Trigger, t.At)
	return err
}

func nullableTime(tm time.Time) interface{} {
	if tm.IsZero() {
		return nil
	}
	return tm
}
