package outbox

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tbourn/physio-sync/internal/domain"
)

// Change describes one committed mutation of the record store.
//
// From is empty for inserts; To is empty for deletes. Bulk marks changes
// that touched several records at once (stale recovery, cascading delete);
// those wake every watcher of the owner (or everyone when OwnerID is empty).
type Change struct {
	ID      string
	OwnerID string
	Kind    string
	From    domain.SyncStatus
	To      domain.SyncStatus
	Bulk    bool
}

// source is what the hub reads snapshots from.
type source interface {
	Query(ctx context.Context, f Filter) ([]domain.Record, error)
	Count(ctx context.Context, f Filter) (int, error)
	Counts(ctx context.Context, ownerID string) (domain.StatusCounts, error)
}

type subscription struct {
	filter Filter
	wake   chan struct{}
}

// Hub is the reactive read model. Each watcher gets the current result as
// soon as it subscribes and a fresh one after every store mutation that could
// change it.
//
// Notifications are coalesced per watcher: a watcher that has not consumed
// its last snapshot receives only the newest one. Writers never block on
// watchers and one watcher's cancellation does not affect the others.
type Hub struct {
	src source
	log zerolog.Logger

	// watchers is shared by every hub in the process.
	watchers prometheus.Gauge

	mu   sync.Mutex
	next uint64
	subs map[uint64]*subscription
}

func newHub(src source, log zerolog.Logger) *Hub {
	return &Hub{
		src:      src,
		log:      log.With().Str("component", "outbox.hub").Logger(),
		watchers: watchersGauge,
		subs:     make(map[uint64]*subscription),
	}
}

// Watch streams the records matching f, oldest first. The channel is closed
// when ctx is done.
func (h *Hub) Watch(ctx context.Context, f Filter) <-chan []domain.Record {
	return watchLoop(h, ctx, f, func(ctx context.Context) ([]domain.Record, error) {
		return h.src.Query(ctx, f)
	})
}

// WatchCount streams the number of records matching f.
func (h *Hub) WatchCount(ctx context.Context, f Filter) <-chan int {
	return watchLoop(h, ctx, f, func(ctx context.Context) (int, error) {
		return h.src.Count(ctx, f)
	})
}

// WatchStatusCounts streams per-status tallies for ownerID (empty: all).
func (h *Hub) WatchStatusCounts(ctx context.Context, ownerID string) <-chan domain.StatusCounts {
	return watchLoop(h, ctx, ByOwner(ownerID), func(ctx context.Context) (domain.StatusCounts, error) {
		return h.src.Counts(ctx, ownerID)
	})
}

// Subscribers returns the number of live watchers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) subscribe(f Filter) (uint64, *subscription) {
	sub := &subscription{filter: f, wake: make(chan struct{}, 1)}
	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = sub
	h.mu.Unlock()
	h.watchers.Inc()
	return id, sub
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	_, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		h.watchers.Dec()
	}
}

// publish wakes every watcher whose result c could change.
func (h *Hub) publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if !sub.filter.affectedBy(c) {
			continue
		}
		select {
		case sub.wake <- struct{}{}:
		default: // already pending
		}
	}
}

// watchLoop registers a subscription before returning, so no mutation that
// commits after Watch returns can be missed, then emits load() results.
func watchLoop[T any](h *Hub, ctx context.Context, f Filter, load func(context.Context) (T, error)) <-chan T {
	id, sub := h.subscribe(f)
	out := make(chan T, 1)

	go func() {
		defer close(out)
		defer h.unsubscribe(id)

		for {
			v, err := load(ctx)
			switch {
			case err != nil && ctx.Err() != nil:
				return
			case err != nil:
				h.log.Error().Err(err).Msg("watch snapshot failed")
			default:
				// Replace an unread snapshot rather than queueing behind it.
				select {
				case <-out:
				default:
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-sub.wake:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
