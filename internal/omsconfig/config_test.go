package omsconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecTable(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 2*time.Hour, cfg.Lock.DefaultTTL)
	assert.Equal(t, 4*time.Hour, cfg.Lock.IndexingTTL)
	assert.Equal(t, 3, cfg.Lock.HeartbeatGrace)
	assert.Equal(t, 30*time.Second, cfg.Lock.HeartbeatCheckInterval)
	assert.Equal(t, 5*time.Minute, cfg.Lock.TTLCheckInterval)

	assert.Equal(t, "WARN", cfg.Merge.AutoResolveThreshold)
	assert.False(t, cfg.Merge.StrictMode)
	assert.Equal(t, []string{"@id", "name", "id"}, cfg.Merge.IDFields)
	assert.True(t, cfg.Merge.EnableTypeWidening)

	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, 3, cfg.Outbox.MaxRetries)

	assert.Equal(t, 2555*24*time.Hour, cfg.Audit.DefaultRetention)
	assert.True(t, cfg.Audit.BatchHashEnabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("OMS_OUTBOX_BATCH_SIZE", "250")
	t.Setenv("OMS_MERGE_AUTO_RESOLVE_THRESHOLD", "error")
	t.Setenv("OMS_MERGE_ID_FIELDS", "@id, sku , id")
	t.Setenv("OMS_LOCK_HEARTBEAT_GRACE", "5")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Outbox.BatchSize)
	assert.Equal(t, "ERROR", cfg.Merge.AutoResolveThreshold)
	assert.Equal(t, []string{"@id", "sku", "id"}, cfg.Merge.IDFields)
	assert.Equal(t, 5, cfg.Lock.HeartbeatGrace)
}

func TestLoadFromEnvRejectsInvalidThreshold(t *testing.T) {
	t.Setenv("OMS_MERGE_AUTO_RESOLVE_THRESHOLD", "CATASTROPHIC")

	_, err := LoadFromEnv()
	require.Error(t, err)
}

func TestLoadFromEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("OMS_LOCK_DEFAULT_TTL", "not-a-duration")

	_, err := LoadFromEnv()
	require.Error(t, err)
}

func TestValidateRejectsRetryCapBelowBase(t *testing.T) {
	cfg := Default()
	cfg.Outbox.RetryCap = time.Millisecond
	cfg.Outbox.RetryBaseDelay = time.Second

	err := cfg.Validate()
	require.Error(t, err)
}
