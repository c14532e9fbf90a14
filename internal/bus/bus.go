// Package bus defines the Message Bus adapter interface the dispatcher
// publishes through (spec §6), plus a circuit-breaker-wrapped in-process
// stub for tests.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/oms-core/metadata-core/internal/resilience"
)

// Bus is the minimal publish contract required by the dispatcher.
// Delivery semantics of the underlying bus are assumed at-least-once;
// exactly-once producer semantics are provided by outbox idempotency keys.
type Bus interface {
	Publish(ctx context.Context, subject string, payload []byte, deadline time.Time) error
}

// CircuitBreakingBus wraps a Bus with a circuit breaker so a string of bus
// failures opens the circuit instead of hammering a down broker.
type CircuitBreakingBus struct {
	inner   Bus
	breaker *resilience.CircuitBreaker
}

// NewCircuitBreakingBus wraps inner with a circuit breaker built from cfg.
func NewCircuitBreakingBus(inner Bus, cfg resilience.Config) *CircuitBreakingBus {
	return &CircuitBreakingBus{inner: inner, breaker: resilience.New(cfg)}
}

// Publish executes the wrapped Bus's Publish under circuit-breaker
// protection.
func (b *CircuitBreakingBus) Publish(ctx context.Context, subject string, payload []byte, deadline time.Time) error {
	return b.breaker.Execute(ctx, func() error {
		return b.inner.Publish(ctx, subject, payload, deadline)
	})
}

// State exposes the wrapped breaker's state for observability.
func (b *CircuitBreakingBus) State() resilience.State {
	return b.breaker.State()
}

// InProcessBus is an in-memory Bus stub for tests and local development: it
// records published messages instead of delivering them externally.
type InProcessBus struct {
	mu        sync.Mutex
	published []Message
	failNext  int
}

// Message is a single recorded publish call.
type Message struct {
	Subject string
	Payload []byte
}

// NewInProcessBus constructs an empty stub bus.
func NewInProcessBus() *InProcessBus {
	return &InProcessBus{}
}

// Publish records the message, or returns an error if FailNext was armed.
func (b *InProcessBus) Publish(_ context.Context, subject string, payload []byte, _ time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext > 0 {
		b.failNext--
		return errPublishFailed
	}
	b.published = append(b.published, Message{Subject: subject, Payload: append([]byte(nil), payload...)})
	return nil
}

// Published returns all recorded messages, in publish order.
func (b *InProcessBus) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// FailNext arms the next n Publish calls to fail, for dispatcher retry
// tests.
func (b *InProcessBus) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

type publishError string

func (e publishError) Error() string { return string(e) }

const errPublishFailed publishError = "bus publish failed"
