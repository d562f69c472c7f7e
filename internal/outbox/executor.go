package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/physio-sync/internal/domain"
	"github.com/tbourn/physio-sync/internal/remote"
)

// Submitter is the remote collaborator records are delivered to. It must be
// idempotent on Submission.ID: delivering the same id twice yields one
// remote record.
type Submitter interface {
	Submit(ctx context.Context, s domain.Submission) (domain.Ack, error)
}

// ExecutorOptions tunes delivery.
type ExecutorOptions struct {
	// Timeout bounds each Submit call. Zero disables the bound.
	Timeout time.Duration
	// Concurrency is the number of records delivered at once within a
	// batch. Values below 1 mean 1 (sequential, FIFO).
	Concurrency int
}

// Executor attempts delivery of records and writes the outcome back to the
// store.
type Executor struct {
	store *Store
	sub   Submitter
	opts  ExecutorOptions
	log   zerolog.Logger
}

// NewExecutor builds an executor delivering to sub.
func NewExecutor(store *Store, sub Submitter, opts ExecutorOptions, log zerolog.Logger) *Executor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Executor{
		store: store,
		sub:   sub,
		opts:  opts,
		log:   log.With().Str("component", "outbox.executor").Logger(),
	}
}

// DeliverOne claims rec, submits it and records the result: synced with the
// remote id on success, failed with retryCount+1 and the error message
// otherwise. A failure is terminal when the new retry count reaches
// maxRetries. Records that cannot be claimed are skipped untouched.
//
// Delivery errors never escape; they are folded into the outcome.
func (e *Executor) DeliverOne(ctx context.Context, rec domain.Record, maxRetries int) domain.DeliveryOutcome {
	tr := otel.Tracer("outbox/Executor")
	ctx, span := tr.Start(ctx, "DeliverOne",
		trace.WithAttributes(
			attribute.String("record.id", rec.ID),
			attribute.String("record.kind", rec.Kind),
			attribute.Int("record.retry_count", rec.RetryCount),
		),
	)
	defer span.End()

	out := domain.DeliveryOutcome{RecordID: rec.ID, RetryCount: rec.RetryCount}
	log := e.log.With().Str("record_id", rec.ID).Logger()

	claimed, err := e.store.Claim(ctx, rec.ID)
	if errors.Is(err, ErrStorage) {
		// Nothing was sent and the record is untouched, but the pass still
		// has to report that it could not deliver.
		out.ErrorKind = domain.ErrorStorage
		out.Error = err.Error()
		deliveriesTotal.WithLabelValues("failure").Inc()
		deliveryErrorsTotal.WithLabelValues(string(domain.ErrorStorage)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim")
		log.Error().Err(err).Msg("claim failed")
		return out
	}
	if err != nil {
		out.Skipped = true
		deliveriesTotal.WithLabelValues("skipped").Inc()
		span.SetAttributes(attribute.Bool("delivery.skipped", true))
		log.Debug().Err(err).Msg("record skipped")
		return out
	}

	// Bookkeeping must land even if the caller gives up mid-call; otherwise
	// the record would sit in syncing until the next restart.
	persistCtx := context.WithoutCancel(ctx)

	callCtx := ctx
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	ack, subErr := e.sub.Submit(callCtx, claimed.Submission())
	deliveryDuration.Observe(time.Since(start).Seconds())

	if subErr == nil {
		remoteID := ack.RemoteID
		if err := e.store.UpdateStatus(persistCtx, rec.ID, domain.StatusSynced, StatusUpdate{RemoteID: &remoteID}); err != nil {
			// Delivered but not recorded. The record stays syncing, is reset
			// to failed on next start and redelivered; the remote dedupes.
			out.ErrorKind = domain.ErrorStorage
			out.Error = err.Error()
			deliveriesTotal.WithLabelValues("failure").Inc()
			deliveryErrorsTotal.WithLabelValues(string(domain.ErrorStorage)).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "mark synced")
			log.Error().Err(err).Msg("record delivered but status not saved")
			return out
		}
		out.Success = true
		out.RemoteID = remoteID
		deliveriesTotal.WithLabelValues("success").Inc()
		log.Debug().Str("remote_id", remoteID).Bool("replayed", ack.Replayed).Msg("record synced")
		return out
	}

	kind := remote.Classify(subErr)
	msg := subErr.Error()
	retries := claimed.RetryCount + 1

	out.ErrorKind = kind
	out.Error = msg
	out.RetryCount = retries
	out.Terminal = retries >= maxRetries

	span.RecordError(subErr)
	span.SetStatus(codes.Error, string(kind))
	deliveriesTotal.WithLabelValues("failure").Inc()
	deliveryErrorsTotal.WithLabelValues(string(kind)).Inc()
	if out.Terminal {
		terminalTotal.Inc()
	}

	if err := e.store.UpdateStatus(persistCtx, rec.ID, domain.StatusFailed, StatusUpdate{RetryCount: &retries, Error: &msg}); err != nil {
		log.Error().Err(err).Msg("failed to record delivery failure")
	}

	ev := log.Warn()
	if out.Terminal {
		ev = log.Error()
	}
	ev.Err(subErr).Str("kind", string(kind)).Int("retry_count", retries).Bool("terminal", out.Terminal).Msg("delivery failed")
	return out
}

// DeliverBatch delivers recs with at most Concurrency calls in flight and
// aggregates the outcomes. With Concurrency 1 records go out strictly in
// the given order. Records not yet started when ctx is done are left as
// they are.
func (e *Executor) DeliverBatch(ctx context.Context, recs []domain.Record, maxRetries int) domain.SyncResult {
	res := domain.SyncResult{StartedAt: time.Now().UTC()}
	if len(recs) == 0 {
		return res
	}

	outcomes := make([]domain.DeliveryOutcome, len(recs))
	started := make([]bool, len(recs))

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		started[i] = true
		g.Go(func() error {
			outcomes[i] = e.DeliverOne(ctx, rec, maxRetries)
			return nil
		})
	}
	_ = g.Wait()

	for i, o := range outcomes {
		if started[i] {
			res.Add(o)
		}
	}
	res.Duration = time.Since(res.StartedAt)
	return res
}
