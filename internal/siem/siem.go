// Package siem defines the optional SIEM forwarding adapter (spec §6): if
// absent, the core logs tamper events locally instead of forwarding them.
package siem

import (
	"context"
	"sync"
	"time"

	"github.com/oms-core/metadata-core/internal/resilience"
)

// Event is a security-relevant event forwarded to the SIEM collector.
type Event struct {
	PolicyID  string
	Subtype   string
	Detail    string
	Timestamp time.Time
}

// Adapter is the minimal contract for a SIEM collector.
type Adapter interface {
	SendEvent(ctx context.Context, event Event) error
}

// CircuitBreakingAdapter wraps an Adapter with a circuit breaker, the same
// protection used for the Bus adapter.
type CircuitBreakingAdapter struct {
	inner   Adapter
	breaker *resilience.CircuitBreaker
}

// NewCircuitBreakingAdapter wraps inner with circuit-breaker settings.
func NewCircuitBreakingAdapter(inner Adapter, cfg resilience.Config) *CircuitBreakingAdapter {
	return &CircuitBreakingAdapter{inner: inner, breaker: resilience.New(cfg)}
}

// SendEvent forwards to the wrapped Adapter under circuit-breaker
// protection.
func (a *CircuitBreakingAdapter) SendEvent(ctx context.Context, event Event) error {
	return a.breaker.Execute(ctx, func() error {
		return a.inner.SendEvent(ctx, event)
	})
}

// InProcessAdapter is an in-memory SIEM stub for tests.
type InProcessAdapter struct {
	mu   sync.Mutex
	sent []Event
}

// NewInProcessAdapter constructs an empty stub adapter.
func NewInProcessAdapter() *InProcessAdapter {
	return &InProcessAdapter{}
}

// SendEvent records the event.
func (a *InProcessAdapter) SendEvent(_ context.Context, event Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, event)
	return nil
}

// Sent returns all recorded events, in send order.
func (a *InProcessAdapter) Sent() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Event(nil), a.sent...)
}
