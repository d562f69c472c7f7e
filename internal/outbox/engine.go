package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/physio-sync/internal/domain"
	"github.com/tbourn/physio-sync/internal/repo"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Config wires an Engine.
type Config struct {
	Backend string // file | memory
	Path    string // SQLite file for the file backend

	MaxRetries      int
	BatchSize       int
	Concurrency     int
	DeliveryTimeout time.Duration
	Schedule        string

	Trace bool // OpenTelemetry GORM plugin
}

// Engine is the surface the presentation layer talks to. It owns the store,
// its read model, the executor and the orchestrator.
type Engine struct {
	cfg   Config
	db    *gorm.DB
	store *Store
	exec  *Executor
	orch  *Orchestrator
	log   zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running chan struct{}
}

// Open opens the configured backend, migrates it and resets records an
// earlier process left in flight. Call Start to enable automatic triggers.
func Open(ctx context.Context, cfg Config, sub Submitter, log zerolog.Logger) (*Engine, error) {
	if sub == nil {
		return nil, errors.New("outbox: submitter is required")
	}
	if cfg.MaxRetries < 1 {
		return nil, errors.New("outbox: max retries must be >= 1")
	}

	var (
		dsn  string
		opts = repo.Options{Synchronous: "FULL", Trace: cfg.Trace}
	)
	switch strings.ToLower(cfg.Backend) {
	case BackendFile, "":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("outbox: store path is required for the file backend")
		}
		dsn = cfg.Path
	case BackendMemory:
		dsn = repo.MemoryDSN("outbox_" + uuid.NewString())
		opts.MaxOpenConns = 1
	default:
		return nil, fmt.Errorf("outbox: unknown store backend %q", cfg.Backend)
	}

	db, err := repo.OpenSQLite(dsn, opts)
	if err != nil {
		return nil, storageErr("open", err)
	}
	if err := repo.MigrateDevice(db); err != nil {
		closeDB(db)
		return nil, storageErr("migrate", err)
	}

	e := newEngine(cfg, db, sub, log)
	if _, err := e.store.RecoverStale(ctx); err != nil {
		closeDB(db)
		return nil, err
	}
	return e, nil
}

func newEngine(cfg Config, db *gorm.DB, sub Submitter, log zerolog.Logger) *Engine {
	store := NewStore(db, log)
	exec := NewExecutor(store, sub, ExecutorOptions{
		Timeout:     cfg.DeliveryTimeout,
		Concurrency: cfg.Concurrency,
	}, log)
	orch := NewOrchestrator(store, exec, OrchestratorOptions{
		MaxRetries: cfg.MaxRetries,
		BatchSize:  cfg.BatchSize,
		Schedule:   cfg.Schedule,
	}, log)
	return &Engine{
		cfg:   cfg,
		db:    db,
		store: store,
		exec:  exec,
		orch:  orch,
		log:   log.With().Str("component", "outbox.engine").Logger(),
	}
}

// Store returns the underlying record store.
func (e *Engine) Store() *Store { return e.store }

// Orchestrator returns the pass scheduler.
func (e *Engine) Orchestrator() *Orchestrator { return e.orch }

// Save persists a new record as pending. The record is durable and visible
// to watchers when Save returns; a *StorageError means it was not saved.
func (e *Engine) Save(ctx context.Context, in domain.NewRecord) (domain.Record, error) {
	return e.store.Insert(ctx, in)
}

// WatchRecords streams the records of ownerID.
func (e *Engine) WatchRecords(ctx context.Context, ownerID string) <-chan []domain.Record {
	return e.store.Hub().Watch(ctx, ByOwner(ownerID))
}

// WatchPendingCount streams the number of records waiting for their first
// delivery attempt.
func (e *Engine) WatchPendingCount(ctx context.Context) <-chan int {
	return e.store.Hub().WatchCount(ctx, ByStatus(domain.StatusPending))
}

// WatchStatusCounts streams per-status totals across all owners.
func (e *Engine) WatchStatusCounts(ctx context.Context) <-chan domain.StatusCounts {
	return e.store.Hub().WatchStatusCounts(ctx, "")
}

// TriggerSyncNow runs a manual pass and waits for it. It returns a skipped
// result when another pass is in flight.
func (e *Engine) TriggerSyncNow(ctx context.Context) (domain.SyncResult, error) {
	return e.orch.TriggerSync(ctx, TriggerManual)
}

// RetryFailed redelivers every failed record. maxRetries <= 0 uses the
// configured cap.
func (e *Engine) RetryFailed(ctx context.Context, maxRetries int) (domain.SyncResult, error) {
	if maxRetries <= 0 {
		maxRetries = e.cfg.MaxRetries
	}
	return e.orch.RetryFailed(ctx, maxRetries)
}

// LastResult returns the most recent completed pass.
func (e *Engine) LastResult() (domain.SyncResult, bool) { return e.orch.LastResult() }

// Online forwards a connectivity change.
func (e *Engine) Online(up bool) { e.orch.Online(up) }

// Foreground forwards an app lifecycle change.
func (e *Engine) Foreground(active bool) { e.orch.Foreground(active) }

// Start runs the orchestrator's trigger loop in the background. Calling it
// twice is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running != nil {
		return nil
	}
	if e.cfg.Schedule != "" {
		if err := ValidateSchedule(e.cfg.Schedule); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel = cancel
	e.running = done
	go func() {
		defer close(done)
		if err := e.orch.Run(runCtx); err != nil {
			e.log.Error().Err(err).Msg("orchestrator stopped")
		}
	}()
	// A fresh start counts as a resume.
	e.orch.Kick(TriggerResume)
	return nil
}

// Close stops the trigger loop, waits for an in-flight pass (bounded by
// ctx) and closes the database.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.running
	e.cancel, e.running = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := e.orch.WaitIdle(ctx); err != nil {
		return err
	}
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
