package omserrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockConflict(t *testing.T) {
	err := LockConflict("lock-123")
	require.Error(t, err)
	assert.Equal(t, ErrCodeLockConflict, err.Code)
	assert.Equal(t, StatusConflict, err.Status)
	assert.Equal(t, "lock-123", err.Details["conflicting_lock_id"])
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := TransientIO("docstore.insert", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsCode(t *testing.T) {
	err := InvalidStateTransition("READY", "MERGING")
	assert.True(t, IsCode(err, ErrCodeInvalidStateTransition))
	assert.False(t, IsCode(err, ErrCodeNotFound))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeNotFound))
}

func TestAsExtractsCoreError(t *testing.T) {
	wrapped := errors.New("outer: " + NotFound("lock", "abc").Error())
	assert.Nil(t, As(wrapped))

	ce := As(NotFound("lock", "abc"))
	require.NotNil(t, ce)
	assert.Equal(t, ErrCodeNotFound, ce.Code)
}

func TestWithDetailsChaining(t *testing.T) {
	err := New(ErrCodeInvalidInput, "bad", StatusBadRequest).
		WithDetails("field", "branch").
		WithDetails("reason", "empty")

	assert.Equal(t, "branch", err.Details["field"])
	assert.Equal(t, "empty", err.Details["reason"])
}
