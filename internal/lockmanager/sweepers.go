package lockmanager

import (
	"context"
	"time"
)

// RunTTLSweeper releases expired, auto-releasing locks on a fixed period
// (spec §4.1 "Liveness and reconciliation"). It blocks until ctx is done,
// so callers run it in its own goroutine.
func (m *Manager) RunTTLSweeper(ctx context.Context) {
	interval := m.cfg.TTLCheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpiredTTL(ctx)
		}
	}
}

// RunHeartbeatSweeper releases locks whose holder has stopped heartbeating
// beyond HeartbeatInterval * HeartbeatGrace (spec §4.1).
func (m *Manager) RunHeartbeatSweeper(ctx context.Context) {
	interval := m.cfg.HeartbeatCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepMissedHeartbeats(ctx)
		}
	}
}

func (m *Manager) sweepExpiredTTL(ctx context.Context) {
	now := m.clock()

	m.mu.Lock()
	var expired []string
	for id, l := range m.locks {
		if !l.Active || !l.AutoRelease {
			continue
		}
		if l.ExpiresAt.IsZero() || now.Before(l.ExpiresAt) {
			continue
		}
		expired = append(expired, id)
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.mu.Lock()
		result, ok := m.releaseLockedByID(id, "system", "TTL_EXPIRED")
		m.mu.Unlock()
		if !ok {
			continue
		}
		m.persistRelease(ctx, "ttl_sweep_release", result)
	}
}

func (m *Manager) sweepMissedHeartbeats(ctx context.Context) {
	now := m.clock()
	grace := m.heartbeatGrace()

	m.mu.Lock()
	var missed []string
	for id, l := range m.locks {
		if !l.Active || l.HeartbeatInterval <= 0 || l.LastHeartbeat.IsZero() {
			continue
		}
		if now.Sub(l.LastHeartbeat) <= l.HeartbeatInterval*time.Duration(grace) {
			continue
		}
		missed = append(missed, id)
	}
	m.mu.Unlock()

	for _, id := range missed {
		m.mu.Lock()
		result, ok := m.releaseLockedByID(id, "system", "HEARTBEAT_MISSED")
		m.mu.Unlock()
		if !ok {
			continue
		}
		m.persistRelease(ctx, "heartbeat_sweep_release", result)
	}
}
