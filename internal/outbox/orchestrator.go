package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/physio-sync/internal/domain"
)

// Trigger names what asked for a delivery pass.
type Trigger string

const (
	TriggerResume       Trigger = "resume"
	TriggerConnectivity Trigger = "connectivity"
	TriggerManual       Trigger = "manual"
	TriggerPeriodic     Trigger = "periodic"
	TriggerRetryFailed  Trigger = "retry_failed"
)

// State is the orchestrator's pass state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
)

// OrchestratorOptions tunes pass scheduling.
type OrchestratorOptions struct {
	// MaxRetries caps automatic retries of failed records.
	MaxRetries int
	// BatchSize bounds the records delivered per pass; 0 means all.
	BatchSize int
	// Schedule is a cron spec for periodic passes ("@every 30s"). Empty
	// disables the periodic trigger.
	Schedule string
}

// Orchestrator decides when a delivery pass runs and guarantees that at most
// one pass is in flight per instance. A trigger that arrives while a pass is
// running is dropped, not queued.
type Orchestrator struct {
	store *Store
	exec  *Executor
	opts  OrchestratorOptions
	log   zerolog.Logger

	mu         sync.Mutex
	state      State
	last       *domain.SyncResult
	online     bool
	foreground bool

	kick chan Trigger
}

// NewOrchestrator builds an idle orchestrator. The device is assumed online
// and in the foreground until told otherwise.
func NewOrchestrator(store *Store, exec *Executor, opts OrchestratorOptions, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		exec:       exec,
		opts:       opts,
		log:        log.With().Str("component", "outbox.orchestrator").Logger(),
		state:      StateIdle,
		online:     true,
		foreground: true,
		kick:       make(chan Trigger, 4),
	}
}

// State reports whether a pass is in flight.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastResult returns the most recent completed pass, if any.
func (o *Orchestrator) LastResult() (domain.SyncResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return domain.SyncResult{}, false
	}
	return *o.last, true
}

// TriggerSync runs one automatic delivery pass: every pending record and
// every failed record below the retry cap, oldest first. If a pass is
// already running it returns immediately with Skipped set.
func (o *Orchestrator) TriggerSync(ctx context.Context, trigger Trigger) (domain.SyncResult, error) {
	return o.pass(ctx, trigger, o.opts.MaxRetries, func(all []domain.Record) []domain.Record {
		return Limit(SelectBatch(all, o.opts.MaxRetries), o.opts.BatchSize)
	})
}

// RetryFailed runs a pass over failed records only, including those already
// at the cap. maxRetries is the cap used to classify failures of this pass
// as terminal.
func (o *Orchestrator) RetryFailed(ctx context.Context, maxRetries int) (domain.SyncResult, error) {
	return o.pass(ctx, TriggerRetryFailed, maxRetries, func(all []domain.Record) []domain.Record {
		return Limit(SelectFailed(all), o.opts.BatchSize)
	})
}

func (o *Orchestrator) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateSyncing {
		return false
	}
	o.state = StateSyncing
	return true
}

func (o *Orchestrator) end(res *domain.SyncResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateIdle
	if res != nil {
		r := *res
		o.last = &r
	}
}

func (o *Orchestrator) pass(ctx context.Context, trigger Trigger, maxRetries int, pick func([]domain.Record) []domain.Record) (res domain.SyncResult, err error) {
	if !o.begin() {
		passesTotal.WithLabelValues(string(trigger), "skipped").Inc()
		o.log.Debug().Str("trigger", string(trigger)).Msg("pass in flight, trigger dropped")
		return domain.SyncResult{Trigger: string(trigger), Skipped: true}, nil
	}

	var done *domain.SyncResult
	defer func() { o.end(done) }()

	tr := otel.Tracer("outbox/Orchestrator")
	ctx, span := tr.Start(ctx, "SyncPass",
		trace.WithAttributes(
			attribute.String("sync.trigger", string(trigger)),
			attribute.Int("sync.max_retries", maxRetries),
		),
	)
	defer span.End()

	all, err := o.store.Query(ctx, Filter{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select")
		passesTotal.WithLabelValues(string(trigger), "error").Inc()
		o.log.Error().Err(err).Str("trigger", string(trigger)).Msg("selection failed")
		return domain.SyncResult{Trigger: string(trigger)}, fmt.Errorf("select records: %w", err)
	}

	batch := pick(all)
	res = o.exec.DeliverBatch(ctx, batch, maxRetries)
	res.Trigger = string(trigger)
	done = &res

	span.SetAttributes(
		attribute.Int("sync.attempted", res.Attempted),
		attribute.Int("sync.succeeded", res.Succeeded),
		attribute.Int("sync.failed", res.Failed),
	)
	passesTotal.WithLabelValues(string(trigger), "ran").Inc()
	passDuration.Observe(res.Duration.Seconds())

	ev := o.log.Info()
	if len(batch) == 0 {
		ev = o.log.Debug()
	}
	ev.Str("trigger", string(trigger)).
		Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("terminal", res.Terminal).
		Dur("duration", res.Duration).
		Msg("sync pass finished")
	return res, nil
}

// Online records a connectivity change. Regaining connectivity triggers a
// pass when Run is active.
func (o *Orchestrator) Online(up bool) {
	o.mu.Lock()
	rising := up && !o.online
	o.online = up
	o.mu.Unlock()
	if rising {
		o.enqueue(TriggerConnectivity)
	}
}

// Foreground records an app lifecycle change. Coming back to the foreground
// triggers a pass when Run is active.
func (o *Orchestrator) Foreground(active bool) {
	o.mu.Lock()
	rising := active && !o.foreground
	o.foreground = active
	o.mu.Unlock()
	if rising {
		o.enqueue(TriggerResume)
	}
}

// Kick asks Run to start a pass for t without waiting for it.
func (o *Orchestrator) Kick(t Trigger) { o.enqueue(t) }

func (o *Orchestrator) enqueue(t Trigger) {
	select {
	case o.kick <- t:
	default:
		o.log.Debug().Str("trigger", string(t)).Msg("trigger queue full, dropped")
	}
}

func (o *Orchestrator) periodicAllowed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online && o.foreground
}

// Run consumes lifecycle triggers and the periodic schedule until ctx is
// done, then waits for the pass in flight to finish. Each trigger goes
// through TriggerSync, so overlapping ones are dropped. Passes are not
// cancelled by ctx; they run over their whole batch.
func (o *Orchestrator) Run(ctx context.Context) error {
	passCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	fire := func(t Trigger) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.TriggerSync(passCtx, t); err != nil {
				o.log.Error().Err(err).Str("trigger", string(t)).Msg("sync pass failed")
			}
		}()
	}

	var sched *cron.Cron
	if o.opts.Schedule != "" {
		sched = cron.New()
		_, err := sched.AddFunc(o.opts.Schedule, func() {
			if !o.periodicAllowed() {
				o.log.Debug().Msg("periodic pass skipped: offline or backgrounded")
				return
			}
			fire(TriggerPeriodic)
		})
		if err != nil {
			return fmt.Errorf("sync schedule %q: %w", o.opts.Schedule, err)
		}
		sched.Start()
		o.log.Info().Str("schedule", o.opts.Schedule).Msg("periodic sync enabled")
	}

	for {
		select {
		case t := <-o.kick:
			fire(t)
		case <-ctx.Done():
			if sched != nil {
				<-sched.Stop().Done()
			}
			wg.Wait()
			return nil
		}
	}
}

// ValidateSchedule checks a periodic trigger spec: five cron fields or a
// descriptor such as "@every 30s".
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("sync schedule %q: %w", spec, err)
	}
	return nil
}

// WaitIdle blocks until no pass is in flight or ctx is done.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for o.State() != StateIdle {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
