// Package omsconfig loads and normalizes configuration for the metadata
// core's four subsystems from environment variables.
package omsconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oms-core/metadata-core/internal/omserrors"
)

// LockConfig covers the lock manager's tunables (spec §6).
type LockConfig struct {
	DefaultTTL            time.Duration
	IndexingTTL           time.Duration
	HeartbeatGrace        int
	HeartbeatCheckInterval time.Duration
	TTLCheckInterval      time.Duration
}

// MergeConfig covers the merge engine's tunables.
type MergeConfig struct {
	AutoResolveThreshold string
	StrictMode           bool
	IDFields             []string
	IgnoreFields         map[string]struct{}
	EnableTypeWidening   bool
}

// OutboxConfig covers the dispatcher's tunables.
type OutboxConfig struct {
	BatchSize       int
	ProcessInterval time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryCap        time.Duration
}

// AuditConfig covers the audit store's tunables.
type AuditConfig struct {
	DefaultRetention    time.Duration
	BatchHashEnabled    bool
	ArchiveSchedule     string
	TamperCheckInterval time.Duration
	SigningKey          string
	PolicyPaths         map[string]string
}

// Config is the top-level typed configuration for the core.
type Config struct {
	Lock   LockConfig
	Merge  MergeConfig
	Outbox OutboxConfig
	Audit  AuditConfig

	DatabaseURL string
	LogLevel    string
	LogFormat   string
}

// Default returns the spec-documented defaults, matching the constants in
// spec §6's configuration table.
func Default() Config {
	return Config{
		Lock: LockConfig{
			DefaultTTL:             2 * time.Hour,
			IndexingTTL:            4 * time.Hour,
			HeartbeatGrace:         3,
			HeartbeatCheckInterval: 30 * time.Second,
			TTLCheckInterval:       5 * time.Minute,
		},
		Merge: MergeConfig{
			AutoResolveThreshold: "WARN",
			StrictMode:           false,
			IDFields:             []string{"@id", "name", "id"},
			IgnoreFields:         map[string]struct{}{"@timestamp": {}, "@version": {}},
			EnableTypeWidening:   true,
		},
		Outbox: OutboxConfig{
			BatchSize:       100,
			ProcessInterval: time.Second,
			MaxRetries:      3,
			RetryBaseDelay:  time.Second,
			RetryCap:        5 * time.Minute,
		},
		Audit: AuditConfig{
			DefaultRetention:    2555 * 24 * time.Hour,
			BatchHashEnabled:    true,
			ArchiveSchedule:     "@daily",
			TamperCheckInterval: time.Hour,
			PolicyPaths:         map[string]string{},
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// LoadFromEnv builds a Config starting from Default and overriding with any
// present environment variables, then normalizes it.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	if v := getEnv("OMS_LOCK_DEFAULT_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, omserrors.ConfigError("OMS_LOCK_DEFAULT_TTL", err.Error())
		}
		cfg.Lock.DefaultTTL = d
	}
	if v := getEnv("OMS_LOCK_INDEXING_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, omserrors.ConfigError("OMS_LOCK_INDEXING_TTL", err.Error())
		}
		cfg.Lock.IndexingTTL = d
	}
	if v := getEnv("OMS_LOCK_HEARTBEAT_GRACE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, omserrors.ConfigError("OMS_LOCK_HEARTBEAT_GRACE", err.Error())
		}
		cfg.Lock.HeartbeatGrace = n
	}
	if v := getEnv("OMS_LOCK_HEARTBEAT_CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, omserrors.ConfigError("OMS_LOCK_HEARTBEAT_CHECK_INTERVAL", err.Error())
		}
		cfg.Lock.HeartbeatCheckInterval = d
	}
	if v := getEnv("OMS_LOCK_TTL_CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, omserrors.ConfigError("OMS_LOCK_TTL_CHECK_INTERVAL", err.Error())
		}
		cfg.Lock.TTLCheckInterval = d
	}

	if v := getEnv("OMS_MERGE_AUTO_RESOLVE_THRESHOLD"); v != "" {
		cfg.Merge.AutoResolveThreshold = strings.ToUpper(v)
	}
	if v := getEnv("OMS_MERGE_STRICT_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, omserrors.ConfigError("OMS_MERGE_STRICT_MODE", err.Error())
		}
		cfg.Merge.StrictMode = b
	}
	if v := getEnv("OMS_MERGE_ID_FIELDS"); v != "" {
		cfg.Merge.IDFields = splitCSV(v)
	}
	if v := getEnv("OMS_MERGE_IGNORE_FIELDS"); v != "" {
		cfg.Merge.IgnoreFields = toSet(splitCSV(v))
	}
	if v := getEnv("OMS_MERGE_ENABLE_TYPE_WIDENING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, omserrors.ConfigError("OMS_MERGE_ENABLE_TYPE_WIDENING", err.Error())
		}
		cfg.Merge.EnableTypeWidening = b
	}

	if v := getEnv("OMS_OUTBOX_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, omserrors.ConfigError("OMS_OUTBOX_BATCH_SIZE", err.Error())
		}
		cfg.Outbox.BatchSize = n
	}
	if v := getEnv("OMS_OUTBOX_PROCESS_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, omserrors.ConfigError("OMS_OUTBOX_PROCESS_INTERVAL", err.Error())
		}
		cfg.Outbox.ProcessInterval = d
	}
	if v := getEnv("OMS_OUTBOX_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, omserrors.ConfigError("OMS_OUTBOX_MAX_RETRIES", err.Error())
		}
		cfg.Outbox.MaxRetries = n
	}
	if v := getEnv("OMS_OUTBOX_RETRY_BASE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, omserrors.ConfigError("OMS_OUTBOX_RETRY_BASE_DELAY", err.Error())
		}
		cfg.Outbox.RetryBaseDelay = d
	}
	if v := getEnv("OMS_OUTBOX_RETRY_CAP"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, omserrors.ConfigError("OMS_OUTBOX_RETRY_CAP", err.Error())
		}
		cfg.Outbox.RetryCap = d
	}

	if v := getEnv("OMS_AUDIT_DEFAULT_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, omserrors.ConfigError("OMS_AUDIT_DEFAULT_RETENTION", err.Error())
		}
		cfg.Audit.DefaultRetention = d
	}
	if v := getEnv("OMS_AUDIT_BATCH_HASH_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, omserrors.ConfigError("OMS_AUDIT_BATCH_HASH_ENABLED", err.Error())
		}
		cfg.Audit.BatchHashEnabled = b
	}
	if v := getEnv("OMS_AUDIT_ARCHIVE_SCHEDULE"); v != "" {
		cfg.Audit.ArchiveSchedule = v
	}
	if v := getEnv("OMS_AUDIT_TAMPER_CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, omserrors.ConfigError("OMS_AUDIT_TAMPER_CHECK_INTERVAL", err.Error())
		}
		cfg.Audit.TamperCheckInterval = d
	}
	if v := getEnv("OMS_AUDIT_SIGNING_KEY"); v != "" {
		cfg.Audit.SigningKey = v
	}
	if v := getEnv("OMS_AUDIT_POLICY_PATHS"); v != "" {
		cfg.Audit.PolicyPaths = parsePolicyPaths(v)
	}

	cfg.DatabaseURL = getEnv("OMS_DATABASE_URL")
	if v := getEnv("OMS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getEnv("OMS_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	cfg.Normalize()
	return cfg, cfg.Validate()
}

// Normalize trims/defaults fields left empty, the way jam.Config.Normalize
// fills gaps rather than failing outright.
func (c *Config) Normalize() {
	if len(c.Merge.IDFields) == 0 {
		c.Merge.IDFields = []string{"@id", "name", "id"}
	}
	if c.Merge.IgnoreFields == nil {
		c.Merge.IgnoreFields = map[string]struct{}{}
	}
	c.Merge.AutoResolveThreshold = strings.ToUpper(strings.TrimSpace(c.Merge.AutoResolveThreshold))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Audit.ArchiveSchedule == "" {
		c.Audit.ArchiveSchedule = "@daily"
	}
	if c.Audit.PolicyPaths == nil {
		c.Audit.PolicyPaths = map[string]string{}
	}
}

// Validate fails startup fast on a configuration that cannot produce a
// working core.
func (c Config) Validate() error {
	switch c.Merge.AutoResolveThreshold {
	case "INFO", "WARN", "ERROR", "BLOCK":
	default:
		return omserrors.ConfigError("merge.auto_resolve_threshold", "must be one of INFO, WARN, ERROR, BLOCK")
	}
	if c.Lock.HeartbeatGrace <= 0 {
		return omserrors.ConfigError("lock.heartbeat_grace", "must be positive")
	}
	if c.Outbox.BatchSize <= 0 {
		return omserrors.ConfigError("outbox.batch_size", "must be positive")
	}
	if c.Outbox.MaxRetries < 0 {
		return omserrors.ConfigError("outbox.max_retries", "must be non-negative")
	}
	if c.Outbox.RetryCap < c.Outbox.RetryBaseDelay {
		return omserrors.ConfigError("outbox.retry_cap", "must be >= retry_base_delay")
	}
	return nil
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// parsePolicyPaths parses "policyID=path,policyID2=path2" into a map, the
// tracked-policy set the tamper-check job iterates (spec §4.4).
func parsePolicyPaths(v string) map[string]string {
	out := map[string]string{}
	for _, pair := range splitCSV(v) {
		id, path, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		id = strings.TrimSpace(id)
		path = strings.TrimSpace(path)
		if id == "" || path == "" {
			continue
		}
		out[id] = path
	}
	return out
}
