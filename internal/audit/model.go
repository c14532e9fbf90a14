// Package audit implements the append-only audit store with a per-event
// and per-batch hash chain, retention policy by action class, and tamper
// detection over tracked policy files.
package audit

import "time"

// Target identifies the resource an audit event concerns.
type Target struct {
	Kind   string
	ID     string
	Name   string
	Branch string
}

// ErrorInfo carries failure detail when Success is false.
type ErrorInfo struct {
	Code    string
	Message string
}

// Event is a single append-only audit record (spec §3 AuditEvent).
type Event struct {
	ID             string
	Timestamp      time.Time
	Action         string
	ActorID        string
	ActorName      string
	ActorIsService bool
	Target         Target
	Success        bool
	Error          *ErrorInfo
	DurationMS     *int64
	RequestID      string
	CorrelationID  string
	CausationID    string
	Changes        map[string]interface{}
	Metadata       map[string]interface{}
	Tags           []string
	Compliance     map[string]interface{}
	EventHash      string
	BatchHash      string
	RetentionUntil time.Time
	Archived       bool
}

// BatchRecord is an integrity-log row covering a set of events hashed
// together (spec §4.4 "batch: ... stored in an integrity-log table").
type BatchRecord struct {
	BatchStart time.Time
	BatchEnd   time.Time
	Count      int
	BatchHash  string
}

// Filter controls Query calls.
type Filter struct {
	From        time.Time
	To          time.Time
	ActorID     string
	Action      string
	TargetKind  string
	TargetID    string
	Branch      string
	Success     *bool
	RequestID   string
	Correlation string
}

// QueryResult is a paginated Query response.
type QueryResult struct {
	Events     []Event
	TotalCount int
}

// IntegrityReport is the result of VerifyIntegrity.
type IntegrityReport struct {
	CheckedCount int
	CorruptIDs   []string
}

// PolicySnapshot supports tamper detection over tracked policy files (spec
// §3 PolicySnapshot, §4.4).
type PolicySnapshot struct {
	PolicyID      string
	ContentHash   string
	MetadataHash  string
	FileHash      string
	FileSize      int64
	FileMTime     time.Time
	SignatureHash string
	SnapshotHash  string
}

// TamperingSubtype enumerates the kinds of tampering VerifyPolicy can
// detect (spec §4.4).
type TamperingSubtype string

const (
	UnauthorizedModification TamperingSubtype = "UNAUTHORIZED_MODIFICATION"
	SignatureMismatch        TamperingSubtype = "SIGNATURE_MISMATCH"
	ContentInjection         TamperingSubtype = "CONTENT_INJECTION"
	MetadataTampering        TamperingSubtype = "METADATA_TAMPERING"
	FileReplacement          TamperingSubtype = "FILE_REPLACEMENT"
	HashCollision            TamperingSubtype = "HASH_COLLISION"
)

// TamperingEvent reports a detected discrepancy between a stored
// PolicySnapshot and the live policy file.
type TamperingEvent struct {
	PolicyID  string
	Subtype   TamperingSubtype
	Detail    string
	Timestamp time.Time
}
