package outbox

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oms-core/metadata-core/internal/audit"
	"github.com/oms-core/metadata-core/internal/bus"
	"github.com/oms-core/metadata-core/internal/omsconfig"
	"github.com/oms-core/metadata-core/internal/omserrors"
	"github.com/oms-core/metadata-core/internal/omslog"
	"github.com/oms-core/metadata-core/internal/resilience"
)

// Dispatcher pulls batches from a Store and publishes them to a Bus,
// retrying transient failures with backoff and dead-lettering records that
// exhaust their retry budget (spec §4.3 dispatcher loop).
//
// Generalized from jam.Coordinator.ProcessNext's single-item claim/process
// step into a ticking batch loop.
type Dispatcher struct {
	store       Store
	bus         bus.Bus
	auditStore  audit.Store
	logger      *omslog.Logger
	cfg         omsconfig.OutboxConfig
	limiter     *rate.Limiter
	breaker     *resilience.CircuitBreaker
	clock       func() time.Time
	mu          sync.Mutex
	cancel      context.CancelFunc
	stoppedCh   chan struct{}
}

// NewDispatcher constructs a Dispatcher. eventsPerSecond <= 0 disables rate
// limiting.
func NewDispatcher(store Store, b bus.Bus, auditStore audit.Store, logger *omslog.Logger, cfg omsconfig.OutboxConfig, eventsPerSecond float64) *Dispatcher {
	var limiter *rate.Limiter
	if eventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), cfg.BatchSize)
	}
	breakerCfg := resilience.DefaultConfig()
	breakerCfg.OnStateChange = resilience.WithLoggerOnStateChange(logger, "outbox-dispatcher")
	return &Dispatcher{
		store:      store,
		bus:        b,
		auditStore: auditStore,
		logger:     logger,
		cfg:        cfg,
		limiter:    limiter,
		breaker:    resilience.New(breakerCfg),
		clock:      time.Now,
	}
}

// StartProcessing launches the background dispatch loop, ticking every
// ProcessInterval until StopProcessing is called or ctx is canceled.
func (d *Dispatcher) StartProcessing(ctx context.Context) {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.stoppedCh = make(chan struct{})
	d.mu.Unlock()

	interval := d.cfg.ProcessInterval
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		defer close(d.stoppedCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := d.processBatch(loopCtx); err != nil {
					d.logger.WithFields(map[string]interface{}{"error": err.Error()}).Warn("outbox dispatch batch failed")
				}
			}
		}
	}()
}

// StopProcessing cancels the background loop and waits for it to exit.
func (d *Dispatcher) StopProcessing() {
	d.mu.Lock()
	cancel := d.cancel
	stopped := d.stoppedCh
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if stopped != nil {
		<-stopped
	}
}

// processBatch claims one batch and dispatches each record, grounded on
// jam.Coordinator.ProcessNext's claim-then-process shape, generalized to a
// full batch per tick.
func (d *Dispatcher) processBatch(ctx context.Context) error {
	now := d.clock()
	batch, err := d.store.ClaimBatch(ctx, d.cfg.BatchSize, now)
	if err != nil {
		return err
	}
	for _, r := range batch {
		d.dispatchOne(ctx, r)
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, r Record) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
	}

	envelope, err := json.Marshal(r.ToCloudEvent())
	if err != nil {
		d.logger.LogDispatch(ctx, r.EventID, r.EventType, r.RetryCount, err)
		return
	}

	publishDeadline := d.clock().Add(10 * time.Second)
	err = d.breaker.Execute(ctx, func() error {
		return d.bus.Publish(ctx, r.Subject, envelope, publishDeadline)
	})

	if err == nil {
		d.logger.LogDispatch(ctx, r.EventID, r.EventType, r.RetryCount, nil)
		if markErr := d.store.MarkCompleted(ctx, r.EventID, d.clock()); markErr != nil {
			d.logger.WithFields(map[string]interface{}{"event_id": r.EventID, "error": markErr.Error()}).Warn("failed to mark outbox record completed")
		}
		return
	}

	d.logger.LogDispatch(ctx, r.EventID, r.EventType, r.RetryCount, err)

	if r.RetryCount+1 >= r.MaxRetries {
		d.deadLetter(ctx, r, err)
		return
	}

	base := d.cfg.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}
	retryCap := d.cfg.RetryCap
	if retryCap <= 0 {
		retryCap = 5 * time.Minute
	}
	delay := resilience.BackoffDelay(base, r.RetryCount, retryCap)
	// Up to 10% random jitter on top of the exponential delay, still capped.
	delay += time.Duration(rand.Int63n(int64(delay)/10 + 1))
	if delay > retryCap {
		delay = retryCap
	}
	nextAttempt := d.clock().Add(delay)
	if markErr := d.store.MarkFailed(ctx, r.EventID, err.Error(), nextAttempt); markErr != nil {
		d.logger.WithFields(map[string]interface{}{"event_id": r.EventID, "error": markErr.Error()}).Warn("failed to mark outbox record failed")
	}
}

// deadLetter transitions r to DEAD_LETTER and records an audit event for
// the poison-pill handling (spec §4.3 "Poison pill handling").
func (d *Dispatcher) deadLetter(ctx context.Context, r Record, cause error) {
	if err := d.store.MarkDeadLetter(ctx, r.EventID, cause.Error()); err != nil {
		d.logger.WithFields(map[string]interface{}{"event_id": r.EventID, "error": err.Error()}).Warn("failed to mark outbox record dead-lettered")
	}

	deadLetterErr := omserrors.DeadLetter(r.EventID)
	d.logger.LogAudit(ctx, "outbox.dead_letter", false, deadLetterErr)

	if d.auditStore == nil {
		return
	}
	evt := audit.Event{
		ID:        "audit-" + r.EventID,
		Timestamp: d.clock(),
		Action:    "outbox.dead_letter",
		Target:    audit.Target{Kind: "outbox_record", ID: r.EventID, Name: r.EventType},
		Success:   false,
		Error:     &audit.ErrorInfo{Code: string(deadLetterErr.Code), Message: cause.Error()},
		Metadata: map[string]interface{}{
			"retry_count": r.RetryCount + 1,
			"max_retries": r.MaxRetries,
			"event_type":  r.EventType,
			"subject":     r.Subject,
		},
	}
	if _, err := d.auditStore.Insert(ctx, evt); err != nil {
		d.logger.WithFields(map[string]interface{}{"event_id": r.EventID, "error": err.Error()}).Warn("failed to record dead-letter audit event")
	}
}

// GetStatistics reports current record counts by status.
func (d *Dispatcher) GetStatistics(ctx context.Context) (Statistics, error) {
	return d.store.Statistics(ctx)
}

// CleanupCompleted removes COMPLETED records older than olderThanHours.
func (d *Dispatcher) CleanupCompleted(ctx context.Context, olderThanHours int) (int, error) {
	cutoff := d.clock().Add(-time.Duration(olderThanHours) * time.Hour)
	return d.store.CleanupCompleted(ctx, cutoff)
}
