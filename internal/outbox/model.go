// Package outbox implements the transactional outbox and event dispatcher:
// atomic write of business change + outbox record, idempotency-key
// deduplication, and a batch dispatcher with retry, backoff, and
// dead-lettering (spec §4.3).
package outbox

import "time"

// Status is the lifecycle state of an OutboxRecord.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// Record is a single outbox row (spec §3 OutboxRecord).
type Record struct {
	EventID        string
	EventType      string
	Source         string
	Subject        string
	Payload        map[string]interface{}
	CorrelationID  string
	IdempotencyKey string
	Status         Status
	RetryCount     int
	MaxRetries     int
	CreatedAt      time.Time
	ProcessedAt    *time.Time
	ErrorMessage   string
	NextAttemptAt  time.Time
}

// PublishSpec is the input to publishEvent (spec §4.3).
type PublishSpec struct {
	EventType      string
	Payload        map[string]interface{}
	Source         string
	Subject        string
	CorrelationID  string
	IdempotencyKey string
	Metadata       map[string]interface{}
}

// Statistics reports counts by status (spec §4.3 getStatistics).
type Statistics struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	DeadLetter int
}

// CloudEvent is the wire envelope the dispatcher serializes onto the bus
// (spec §6 "Event envelope on the wire").
type CloudEvent struct {
	SpecVersion     string                 `json:"specversion"`
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	Source          string                 `json:"source"`
	Subject         string                 `json:"subject,omitempty"`
	Time            string                 `json:"time"`
	DataContentType string                 `json:"datacontenttype"`
	Data            map[string]interface{} `json:"data"`
}

// ToCloudEvent builds the wire envelope for r. IdempotencyKey is not part
// of the envelope, and Bus.Publish carries no headers, so the key is not
// sent with the published message.
func (r Record) ToCloudEvent() CloudEvent {
	return CloudEvent{
		SpecVersion:     "1.0",
		ID:              r.EventID,
		Type:            r.EventType,
		Source:          r.Source,
		Subject:         r.Subject,
		Time:            r.CreatedAt.UTC().Format(time.RFC3339),
		DataContentType: "application/json",
		Data:            r.Payload,
	}
}
