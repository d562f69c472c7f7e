package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/physio-sync/internal/domain"
)

const waitFor = 2 * time.Second

// recv returns the next value from ch or fails the test.
func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(waitFor):
		t.Fatalf("no value within %s", waitFor)
	}
	var zero T
	return zero
}

// recvUntil reads from ch until match returns true.
func recvUntil[T any](t *testing.T, ch <-chan T, match func(T) bool) T {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case v, ok := <-ch:
			require.True(t, ok, "channel closed")
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatalf("condition not met within %s", waitFor)
		}
	}
}

func TestWatchCount_SeesInsertWithoutNetwork(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Hub().WatchCount(ctx, ByStatus(domain.StatusPending))
	assert.Equal(t, 0, recv(t, ch), "current value is emitted on subscribe")

	mustInsert(t, s, measurement("u1"))
	assert.Equal(t, 1, recv(t, ch))

	mustInsert(t, s, measurement("u2"))
	assert.Equal(t, 2, recv(t, ch))
}

func TestWatch_FollowsStatusChanges(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := mustInsert(t, s, measurement("u1"))
	ch := s.Hub().Watch(ctx, ByOwner("u1"))
	first := recv(t, ch)
	require.Len(t, first, 1)
	assert.Equal(t, domain.StatusPending, first[0].SyncStatus)

	_, err := s.Claim(ctx, r.ID)
	require.NoError(t, err)
	got := recvUntil(t, ch, func(v []domain.Record) bool {
		return len(v) == 1 && v[0].SyncStatus == domain.StatusSyncing
	})
	assert.Equal(t, r.ID, got[0].ID)

	require.NoError(t, s.Delete(ctx, r.ID))
	recvUntil(t, ch, func(v []domain.Record) bool { return len(v) == 0 })
}

func TestWatchStatusCounts(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Hub().WatchStatusCounts(ctx, "u1")
	assert.Equal(t, domain.StatusCounts{}, recv(t, ch))

	r := mustInsert(t, s, measurement("u1"))
	recvUntil(t, ch, func(c domain.StatusCounts) bool { return c.Pending == 1 })

	_, err := s.Claim(ctx, r.ID)
	require.NoError(t, err)
	_, err = s.RecoverStale(ctx)
	require.NoError(t, err)
	recvUntil(t, ch, func(c domain.StatusCounts) bool { return c == domain.StatusCounts{Failed: 1} })
}

func TestWatch_CoalescesForSlowReaders(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Hub().WatchCount(ctx, Filter{})
	assert.Equal(t, 0, recv(t, ch))

	// nobody reads while ten writes land
	for i := 0; i < 10; i++ {
		mustInsert(t, s, measurement("u1"))
	}
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, len(ch), 1, "at most one snapshot is buffered")

	// the newest value always arrives
	recvUntil(t, ch, func(n int) bool { return n == 10 })
}

func TestWatch_CancelClosesAndUnsubscribes(t *testing.T) {
	s := newTestStore(t)
	hub := s.Hub()

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()

	a := hub.WatchCount(ctxA, Filter{})
	b := hub.WatchCount(ctxB, Filter{})
	recv(t, a)
	recv(t, b)
	assert.Equal(t, 2, hub.Subscribers())

	cancelA()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-a:
			return !ok
		default:
			return false
		}
	}, waitFor, 5*time.Millisecond, "cancelled watch must close its channel")
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, waitFor, 5*time.Millisecond)

	// the other watcher keeps working
	mustInsert(t, s, measurement("u1"))
	assert.Equal(t, 1, recv(t, b))
}

func TestWatchersGauge_SumsAcrossHubs(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "watchers_test"})
	first := newTestStore(t).Hub()
	second := newTestStore(t).Hub()
	first.watchers = gauge
	second.watchers = gauge

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()

	recv(t, first.WatchCount(ctxA, Filter{}))
	recv(t, second.WatchCount(ctxB, Filter{}))
	assert.Equal(t, 2.0, testutil.ToFloat64(gauge))

	cancelA()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(gauge) == 1
	}, waitFor, 5*time.Millisecond, "closing a watch on one hub leaves the other counted")
	assert.Equal(t, 1, second.Subscribers())
}
