// Package omserrors provides unified, structured error handling for the
// metadata core's four subsystems.
package omserrors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of failure from the spec's error taxonomy.
type ErrorCode string

const (
	ErrCodeLockConflict           ErrorCode = "LOCK_1001"
	ErrCodeInvalidStateTransition ErrorCode = "LOCK_1002"
	ErrCodeNotFound               ErrorCode = "RES_4001"
	ErrCodeTransientIO            ErrorCode = "IO_5001"
	ErrCodeIntegrityError         ErrorCode = "AUDIT_6001"
	ErrCodeConfigError            ErrorCode = "CFG_7001"
	ErrCodeDeadLetter             ErrorCode = "OUTBOX_8001"
	ErrCodeInvalidResolution      ErrorCode = "MERGE_9001"
	ErrCodeInvalidInput           ErrorCode = "VAL_3001"
)

// Status is a deliberately HTTP-status-shaped severity class, kept so an
// API layer built on top of this core can translate errors without this
// package knowing anything about HTTP.
type Status int

const (
	StatusBadRequest   Status = 400
	StatusConflict     Status = 409
	StatusNotFound     Status = 404
	StatusUnavailable  Status = 503
	StatusInternal     Status = 500
)

// CoreError is a structured error carrying a code, message, translated
// status, optional details, and a wrapped cause.
type CoreError struct {
	Code    ErrorCode
	Message string
	Status  Status
	Details map[string]interface{}
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// WithDetails attaches additional context, returning the receiver for chaining.
func (e *CoreError) WithDetails(key string, value interface{}) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New constructs a CoreError without a wrapped cause.
func New(code ErrorCode, message string, status Status) *CoreError {
	return &CoreError{Code: code, Message: message, Status: status}
}

// Wrap constructs a CoreError around an existing error.
func Wrap(code ErrorCode, message string, status Status, err error) *CoreError {
	return &CoreError{Code: code, Message: message, Status: status, Err: err}
}

// LockConflict is returned by acquireLock when a live lock conflicts with
// the requested lease (spec §4.1, §7).
func LockConflict(conflictingLockID string) *CoreError {
	return New(ErrCodeLockConflict, "lock conflicts with an active lease", StatusConflict).
		WithDetails("conflicting_lock_id", conflictingLockID)
}

// InvalidStateTransition is returned by setBranchState when the transition
// is not in the static transition table (spec §4.1).
func InvalidStateTransition(from, to string) *CoreError {
	return New(ErrCodeInvalidStateTransition, "branch state transition is not permitted", StatusConflict).
		WithDetails("from", from).
		WithDetails("to", to)
}

// NotFound is returned by get-style operations for a missing id.
func NotFound(resource, id string) *CoreError {
	return New(ErrCodeNotFound, "resource not found", StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// TransientIO wraps a DocStore/Bus/SIEM failure that callers may retry.
func TransientIO(operation string, err error) *CoreError {
	return Wrap(ErrCodeTransientIO, "transient I/O failure", StatusUnavailable, err).
		WithDetails("operation", operation)
}

// IntegrityError is returned when an audit event's recomputed hash does
// not match its stored hash (spec §4.4, §7).
func IntegrityError(ids []string) *CoreError {
	return New(ErrCodeIntegrityError, "audit hash verification failed", StatusInternal).
		WithDetails("ids", ids)
}

// ConfigError fails startup fast on an invalid configuration value.
func ConfigError(key, reason string) *CoreError {
	return New(ErrCodeConfigError, "invalid configuration", StatusInternal).
		WithDetails("key", key).
		WithDetails("reason", reason)
}

// DeadLetter is not raised to callers; it documents the terminal outbox
// state for statistics/observability call sites.
func DeadLetter(eventID string) *CoreError {
	return New(ErrCodeDeadLetter, "outbox record moved to dead letter", StatusInternal).
		WithDetails("event_id", eventID)
}

// InvalidResolution is returned by applyManualResolution when the decision
// envelope is malformed (spec §4.2, §9).
func InvalidResolution(reason string) *CoreError {
	return New(ErrCodeInvalidResolution, "manual resolution envelope is invalid", StatusBadRequest).
		WithDetails("reason", reason)
}

// InvalidInput signals a caller-supplied argument failed validation.
func InvalidInput(field, reason string) *CoreError {
	return New(ErrCodeInvalidInput, "invalid input", StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// IsCode reports whether err is (or wraps) a CoreError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// As extracts a *CoreError from an error chain, if present.
func As(err error) *CoreError {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
