package outbox

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Store persists outbox records and claims batches for dispatch (spec
// §4.3). Implementations mirror the dual in-memory/Postgres storage shape
// used by docstore and audit.
type Store interface {
	// Insert writes a record in its own transaction, deduplicating by
	// idempotency key. The boolean reports whether a new record was
	// inserted (false means an existing event_id was returned for an
	// already-seen idempotency key).
	Insert(ctx context.Context, spec PublishSpec, maxRetries int) (Record, bool, error)

	// InsertTx behaves like Insert but enlists the write in sqlTx instead
	// of opening its own transaction, so it commits or rolls back with
	// whatever business write sqlTx also carries (spec §4.3/§8 same-
	// transaction guarantee; see outbox.PublishWithDoc). A nil sqlTx
	// (always the case for non-PostgreSQL-backed stores) falls back to
	// Insert's own transaction.
	InsertTx(ctx context.Context, sqlTx *sql.Tx, spec PublishSpec, maxRetries int) (Record, bool, error)

	// ClaimBatch returns up to batchSize PENDING or backoff-elapsed FAILED
	// records, marking them PROCESSING.
	ClaimBatch(ctx context.Context, batchSize int, now time.Time) ([]Record, error)

	MarkCompleted(ctx context.Context, eventID string, processedAt time.Time) error
	MarkFailed(ctx context.Context, eventID string, errMessage string, nextAttemptAt time.Time) error
	MarkDeadLetter(ctx context.Context, eventID string, errMessage string) error

	Statistics(ctx context.Context) (Statistics, error)
	CleanupCompleted(ctx context.Context, olderThan time.Time) (int, error)
}

// computeIdempotencyKey derives a stable hash of (type, source, subject,
// canonical(payload)) when the caller does not supply one (spec §4.3 step
// 1).
func computeIdempotencyKey(spec PublishSpec) (string, error) {
	normalized, err := normalizePayload(spec.Payload)
	if err != nil {
		return "", err
	}
	canonical, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(spec.EventType))
	h.Write([]byte{0})
	h.Write([]byte(spec.Source))
	h.Write([]byte{0})
	h.Write([]byte(spec.Subject))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func normalizePayload(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			n, err := normalizePayload(val[k])
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			n, err := normalizePayload(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return val, nil
	}
}
