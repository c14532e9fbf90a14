package audit

import "time"

// retentionByAction mirrors spec §4.4's retention table. Actions not listed
// fall back to the configured default (2555 days).
var retentionByAction = map[string]time.Duration{
	"auth.login":         2555 * 24 * time.Hour,
	"auth.failed":        2555 * 24 * time.Hour,
	"acl.create":         2555 * 24 * time.Hour,
	"acl.update":         2555 * 24 * time.Hour,
	"acl.delete":         2555 * 24 * time.Hour,
	"schema.create":      1825 * 24 * time.Hour,
	"schema.update":      1825 * 24 * time.Hour,
	"schema.delete":      1825 * 24 * time.Hour,
	"branch.create":      365 * 24 * time.Hour,
	"branch.update":      365 * 24 * time.Hour,
	"branch.merge":       730 * 24 * time.Hour,
	"indexing.started":   90 * 24 * time.Hour,
	"indexing.completed": 90 * 24 * time.Hour,
	"indexing.failed":    180 * 24 * time.Hour,
}

// RetentionFor returns the retention period for action, falling back to
// defaultRetention when the action is not in the table.
func RetentionFor(action string, defaultRetention time.Duration) time.Duration {
	if d, ok := retentionByAction[action]; ok {
		return d
	}
	return defaultRetention
}
