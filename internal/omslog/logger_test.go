package omslog

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()
	l := New("lockmanager", "debug", "json")
	buf := &bytes.Buffer{}
	l.Logger.SetOutput(buf)
	return l, buf
}

func TestWithContextCarriesFields(t *testing.T) {
	l, buf := newTestLogger(t)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithActorID(ctx, "user-42")
	ctx = WithBranch(ctx, "feature/x")

	l.WithContext(ctx).Info("hello")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "trace-1", decoded["trace_id"])
	assert.Equal(t, "user-42", decoded["actor_id"])
	assert.Equal(t, "feature/x", decoded["branch"])
	assert.Equal(t, "lockmanager", decoded["component"])
}

func TestLogLockEventWithError(t *testing.T) {
	l, buf := newTestLogger(t)

	l.LogLockEvent(context.Background(), "acquire", "lock-1", "main", assertErr("conflict"))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "warning", decoded["level"])
	assert.Equal(t, "lock-1", decoded["lock_id"])
}

func TestLogDispatchSuccess(t *testing.T) {
	l, buf := newTestLogger(t)

	l.LogDispatch(context.Background(), "evt-1", "branch.merged", 1, nil)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "info", decoded["level"])
	assert.Equal(t, "evt-1", decoded["event_id"])
}

func TestNewTraceIDIsUnique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	assert.NotEqual(t, a, b)
}

func TestNewParsesInvalidLevelAsInfo(t *testing.T) {
	l := New("audit", "not-a-level", "json")
	assert.Equal(t, logrus.InfoLevel, l.Logger.Level)
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
