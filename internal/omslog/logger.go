// Package omslog provides structured logging with trace/actor context,
// shared across the lock manager, merge engine, outbox, and audit store.
package omslog

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey namespaces values stored on a context.Context.
type ContextKey string

const (
	TraceIDKey  ContextKey = "trace_id"
	ActorIDKey  ContextKey = "actor_id"
	BranchKey   ContextKey = "branch"
	ComponentKey ContextKey = "component"
)

// Logger wraps logrus.Logger with metadata-core-specific helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the given component ("lockmanager", "merge",
// "outbox", "audit", ...).
func New(component, level, format string) *Logger {
	logger := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv builds a logger from LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext builds an entry carrying trace/actor/branch fields from ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(ActorIDKey); v != nil {
		entry = entry.WithField("actor_id", v)
	}
	if v := ctx.Value(BranchKey); v != nil {
		entry = entry.WithField("branch", v)
	}
	return entry
}

// WithFields builds an entry with the component field plus custom fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// NewTraceID generates a fresh trace id for a request/operation.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID stores a trace id on the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithActorID stores the acting identity on the context.
func WithActorID(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ActorIDKey, actorID)
}

// WithBranch stores the branch name on the context.
func WithBranch(ctx context.Context, branch string) context.Context {
	return context.WithValue(ctx, BranchKey, branch)
}

// LogLockEvent logs a lock acquire/release/heartbeat/force-unlock event.
func (l *Logger) LogLockEvent(ctx context.Context, action, lockID, branch string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"action":  action,
		"lock_id": lockID,
		"branch":  branch,
	})
	if err != nil {
		entry.WithError(err).Warn("lock event")
		return
	}
	entry.Info("lock event")
}

// LogMergeEvent logs a merge outcome.
func (l *Logger) LogMergeEvent(ctx context.Context, status string, conflictCount, autoResolved int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"status":             status,
		"conflict_count":     conflictCount,
		"auto_resolved_count": autoResolved,
		"duration_ms":        duration.Milliseconds(),
	}).Info("merge completed")
}

// LogDispatch logs an outbox dispatch attempt.
func (l *Logger) LogDispatch(ctx context.Context, eventID, eventType string, attempt int, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"event_id":   eventID,
		"event_type": eventType,
		"attempt":    attempt,
	})
	if err != nil {
		entry.WithError(err).Warn("dispatch attempt failed")
		return
	}
	entry.Info("dispatch succeeded")
}

// LogAudit logs an audit-store side effect (not the audit event itself,
// which is persisted — this is operational logging of the audit store).
func (l *Logger) LogAudit(ctx context.Context, action string, success bool, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"action":  action,
		"success": success,
	})
	if err != nil {
		entry.WithError(err).Error("audit store operation failed")
		return
	}
	entry.Debug("audit store operation")
}

var defaultLogger *Logger

// InitDefault initializes the package-level default logger.
func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format)
}

// Default returns the default logger, lazily constructing a fallback if
// InitDefault was never called.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("metadata-core", "info", "json")
	}
	return defaultLogger
}
