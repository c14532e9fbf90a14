// Command omscored runs the ontology metadata core: branch lock manager,
// three-way merge engine, transactional outbox dispatcher, and audit
// store, wired explicitly here rather than resolved through a global
// registry (spec §9, "prefer explicit dependency injection").
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oms-core/metadata-core/internal/audit"
	"github.com/oms-core/metadata-core/internal/bus"
	"github.com/oms-core/metadata-core/internal/docstore"
	"github.com/oms-core/metadata-core/internal/lockmanager"
	"github.com/oms-core/metadata-core/internal/merge"
	"github.com/oms-core/metadata-core/internal/migrations"
	"github.com/oms-core/metadata-core/internal/omsconfig"
	"github.com/oms-core/metadata-core/internal/omslog"
	"github.com/oms-core/metadata-core/internal/outbox"
	"github.com/oms-core/metadata-core/internal/resilience"
	"github.com/oms-core/metadata-core/internal/siem"
)

// Core wires the four subsystems together with their shared adapters. It
// holds no singletons: every dependency is a field set once at startup.
type Core struct {
	Config   omsconfig.Config
	Logger   *omslog.Logger
	DocStore docstore.Store
	Audit    audit.Store
	Outbox   outbox.Store
	Bus      bus.Bus
	SIEM     siem.Adapter
	Locks    *lockmanager.Manager
	Merge    *merge.Engine
	Dispatch *outbox.Dispatcher
	Archiver *audit.Archiver

	db *sql.DB
}

// siemSendTimeout bounds how long a single tamper-check SIEM forward may
// block (spec §6, "SIEM send 5 s").
const siemSendTimeout = 5 * time.Second

// RunTamperChecks re-verifies every tracked policy file on a fixed period
// (spec §4.4) and forwards detected TamperingEvents to the SIEM collector
// when one is configured, logging locally otherwise (spec §6). It blocks
// until ctx is done, so callers run it in its own goroutine.
func (c *Core) RunTamperChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tamperCheckOnce(ctx)
		}
	}
}

func (c *Core) tamperCheckOnce(ctx context.Context) {
	for policyID, path := range c.Config.Audit.PolicyPaths {
		events, err := audit.VerifyPolicy(ctx, c.Audit, policyID, path, c.Config.Audit.SigningKey)
		if err != nil {
			c.Logger.LogAudit(ctx, "audit.tamper_check", false, err)
			continue
		}
		for _, event := range events {
			c.forwardTamperEvent(ctx, event)
		}
	}
}

func (c *Core) forwardTamperEvent(ctx context.Context, event audit.TamperingEvent) {
	if c.SIEM == nil {
		c.Logger.WithFields(map[string]interface{}{
			"policy_id": event.PolicyID,
			"subtype":   event.Subtype,
			"detail":    event.Detail,
		}).Warn("tampering detected, no SIEM configured")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, siemSendTimeout)
	defer cancel()
	err := c.SIEM.SendEvent(sendCtx, siem.Event{
		PolicyID:  event.PolicyID,
		Subtype:   string(event.Subtype),
		Detail:    event.Detail,
		Timestamp: event.Timestamp,
	})
	c.Logger.LogAudit(ctx, "audit.siem_forward", err == nil, err)
}

// shutdownBudget bounds how long a graceful shutdown waits for in-flight
// outbox dispatch and sweeper work to drain before exiting anyway.
const shutdownBudget = 30 * time.Second

// PublishDoc writes a document and its outbox event atomically, in the
// same DocStore transaction (outbox.PublishWithDoc) — the composition
// every business write path through Core must use instead of calling
// DocStore and Outbox separately.
func (c *Core) PublishDoc(ctx context.Context, doc docstore.Doc, spec outbox.PublishSpec, maxRetries int) (outbox.Record, bool, error) {
	return outbox.PublishWithDoc(ctx, c.DocStore, c.Outbox, doc, spec, maxRetries)
}

func main() {
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides OMS_DATABASE_URL/env; in-memory storage when empty)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory)")
	flag.Parse()

	cfg, err := omsconfig.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dsn != "" {
		cfg.DatabaseURL = *dsn
	}

	logger := omslog.New("omscored", cfg.LogLevel, cfg.LogFormat)

	rootCtx := context.Background()
	core, err := buildCore(rootCtx, cfg, logger, *runMigrations)
	if err != nil {
		log.Fatalf("build core: %v", err)
	}
	if core.db != nil {
		defer core.db.Close()
	}

	core.Dispatch.StartProcessing(rootCtx)
	ttlCtx, ttlCancel := context.WithCancel(rootCtx)
	heartbeatCtx, heartbeatCancel := context.WithCancel(rootCtx)
	tamperCtx, tamperCancel := context.WithCancel(rootCtx)
	defer ttlCancel()
	defer heartbeatCancel()
	defer tamperCancel()
	go core.Locks.RunTTLSweeper(ttlCtx)
	go core.Locks.RunHeartbeatSweeper(heartbeatCtx)
	go core.RunTamperChecks(tamperCtx, cfg.Audit.TamperCheckInterval)

	if err := core.Archiver.Schedule(rootCtx, cfg.Audit.ArchiveSchedule); err != nil {
		log.Fatalf("schedule audit archiver: %v", err)
	}

	logger.WithFields(map[string]interface{}{"database": core.db != nil}).Info("metadata core started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopped := make(chan struct{})
	go func() {
		ttlCancel()
		heartbeatCancel()
		tamperCancel()
		core.Archiver.Stop()
		core.Dispatch.StopProcessing()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.WithFields(nil).Info("metadata core stopped")
	case <-time.After(shutdownBudget):
		logger.WithFields(nil).Warn("shutdown budget exceeded, exiting anyway")
	}
}

// buildCore assembles every subsystem, choosing the Postgres-backed stores
// when a DSN is configured and falling back to the in-memory adapters
// otherwise (mirrors appserver/main.go's dsn-present/absent branching).
func buildCore(ctx context.Context, cfg omsconfig.Config, logger *omslog.Logger, runMigrations bool) (*Core, error) {
	core := &Core{Config: cfg, Logger: logger}

	if cfg.DatabaseURL != "" {
		db, err := docstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		core.db = db
		if runMigrations {
			if err := migrations.Apply(ctx, db); err != nil {
				return nil, err
			}
		}
		core.DocStore = docstore.NewPGStore(db)
		core.Audit = audit.NewPGStore(db, cfg.Audit.DefaultRetention)
		core.Outbox = outbox.NewPGStore(db)
		core.Locks = lockmanager.NewManager(cfg.Lock, logger, core.Audit, lockmanager.NewPGStore(db))
	} else {
		core.DocStore = docstore.NewInMemoryStore()
		core.Audit = audit.NewInMemoryStore(cfg.Audit.DefaultRetention)
		core.Outbox = outbox.NewInMemoryStore()
		core.Locks = lockmanager.NewManager(cfg.Lock, logger, core.Audit, lockmanager.NewInMemoryStore())
	}

	breakerCfg := resilience.DefaultConfig()
	breakerCfg.OnStateChange = resilience.WithLoggerOnStateChange(logger, "bus")
	core.Bus = bus.NewCircuitBreakingBus(bus.NewInProcessBus(), breakerCfg)

	siemBreakerCfg := resilience.DefaultConfig()
	siemBreakerCfg.OnStateChange = resilience.WithLoggerOnStateChange(logger, "siem")
	core.SIEM = siem.NewCircuitBreakingAdapter(siem.NewInProcessAdapter(), siemBreakerCfg)

	core.Merge = merge.NewEngine(mergeEntityListPaths(cfg))
	core.Dispatch = outbox.NewDispatcher(core.Outbox, core.Bus, core.Audit, logger, cfg.Outbox, 0)

	core.Archiver = audit.NewArchiver(core.Audit, logger)

	if err := core.Locks.Start(ctx); err != nil {
		return nil, err
	}

	return core, nil
}

// mergeEntityListPaths names the schema collections the merge engine scans
// for NAME_COLLISION and CIRCULAR_DEPENDENCY checks (spec §4.2). Ontology
// metadata services model these as object/link/action type collections.
func mergeEntityListPaths(_ omsconfig.Config) []string {
	return []string{"object_types", "link_types", "action_types"}
}
