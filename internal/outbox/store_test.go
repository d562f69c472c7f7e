package outbox

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tbourn/physio-sync/internal/domain"
	"github.com/tbourn/physio-sync/internal/repo"
)

// testClock hands out strictly increasing timestamps so FIFO order is
// deterministic.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func openTestDB(t *testing.T, dsn string) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(dsn, repo.Options{Synchronous: "FULL", MaxOpenConns: 1})
	require.NoError(t, err)
	require.NoError(t, repo.MigrateDevice(db))
	t.Cleanup(func() { closeDB(db) })
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(openTestDB(t, repo.MemoryDSN("outbox_"+uuid.NewString())), zerolog.Nop())
	s.now = newTestClock().now
	return s
}

func measurement(owner string) domain.NewRecord {
	return domain.NewRecord{
		OwnerID: owner,
		Kind:    domain.KindMeasurement,
		Payload: domain.Payload(`{"knee_flexion":92}`),
	}
}

func mustInsert(t *testing.T, s *Store, in domain.NewRecord) domain.Record {
	t.Helper()
	rec, err := s.Insert(context.Background(), in)
	require.NoError(t, err)
	return rec
}

func mustGet(t *testing.T, s *Store, id string) domain.Record {
	t.Helper()
	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec, "record %s missing", id)
	return *rec
}

func TestInsert_PendingWithZeroRetries(t *testing.T) {
	s := newTestStore(t)
	in := measurement("u1")
	in.Kind = "  Measurement "

	rec := mustInsert(t, s, in)
	_, err := uuid.Parse(rec.ID)
	require.NoError(t, err, "a UUID is generated when no id is given")
	assert.Equal(t, domain.StatusPending, rec.SyncStatus)
	assert.Zero(t, rec.RetryCount)
	assert.Equal(t, domain.KindMeasurement, rec.Kind)
	assert.Nil(t, rec.RemoteID)

	got := mustGet(t, s, rec.ID)
	assert.Equal(t, domain.StatusPending, got.SyncStatus)
	assert.JSONEq(t, `{"knee_flexion":92}`, string(got.Payload))
}

func TestInsert_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := map[string]func(*domain.NewRecord){
		"no owner":    func(n *domain.NewRecord) { n.OwnerID = " " },
		"no kind":     func(n *domain.NewRecord) { n.Kind = "" },
		"array":       func(n *domain.NewRecord) { n.Payload = domain.Payload(`[1]`) },
		"nil payload": func(n *domain.NewRecord) { n.Payload = nil },
		"non-uuid id": func(n *domain.NewRecord) { n.ID = "rec-1" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := measurement("u1")
			mutate(&in)
			_, err := s.Insert(ctx, in)
			assert.ErrorIs(t, err, ErrInvalidRecord)
			assert.NotErrorIs(t, err, ErrStorage)
		})
	}
}

func TestInsert_DuplicateIDIsStorageError(t *testing.T) {
	s := newTestStore(t)
	in := measurement("u1")
	in.ID = uuid.NewString()
	mustInsert(t, s, in)

	_, err := s.Insert(context.Background(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestInsert_ClosedMediumIsStorageError(t *testing.T) {
	s := newTestStore(t)
	closeDB(s.DB())

	_, err := s.Insert(context.Background(), measurement("u1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "insert", se.Op)
	assert.Contains(t, se.Error(), "outbox: insert:")
}

// A committed record survives the process: reopening the file yields the
// same record, still pending, with its payload intact.
func TestInsert_DurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	ctx := context.Background()

	db, err := repo.OpenSQLite(path, repo.Options{Synchronous: "FULL"})
	require.NoError(t, err)
	require.NoError(t, repo.MigrateDevice(db))
	var ids []string
	s := NewStore(db, zerolog.Nop())
	for i := 0; i < 3; i++ {
		ids = append(ids, mustInsert(t, s, measurement("u1")).ID)
	}
	closeDB(db)

	db2 := openTestDB(t, path)
	s2 := NewStore(db2, zerolog.Nop())
	for _, id := range ids {
		rec := mustGet(t, s2, id)
		assert.Equal(t, domain.StatusPending, rec.SyncStatus)
		assert.JSONEq(t, `{"knee_flexion":92}`, string(rec.Payload))
	}
	n, err := s2.Count(ctx, ByStatus(domain.StatusPending))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestGet_Unknown(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Get(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestQueryAndCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustInsert(t, s, measurement("u1"))
	b := mustInsert(t, s, measurement("u2"))
	sess := measurement("u1")
	sess.Kind = domain.KindSession
	c := mustInsert(t, s, sess)

	_, err := s.Claim(ctx, b.ID)
	require.NoError(t, err)

	byOwner, err := s.QueryByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, c.ID}, idsOf(byOwner))

	pending, err := s.QueryByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, c.ID}, idsOf(pending))

	kinds, err := s.Query(ctx, Filter{Kind: domain.KindSession})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, idsOf(kinds))

	counts, err := s.Counts(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCounts{Pending: 2, Syncing: 1}, counts)

	counts, err = s.Counts(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCounts{Syncing: 1}, counts)
}

func TestUpdateStatus_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := mustInsert(t, s, measurement("u1"))

	// pending cannot jump straight to synced
	err := s.UpdateStatus(ctx, rec.ID, domain.StatusSynced, StatusUpdate{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, s.UpdateStatus(ctx, rec.ID, domain.StatusSyncing, StatusUpdate{}))
	got := mustGet(t, s, rec.ID)
	assert.Equal(t, domain.StatusSyncing, got.SyncStatus)
	require.NotNil(t, got.LastAttemptAt)

	retries, msg := 1, "connection reset"
	require.NoError(t, s.UpdateStatus(ctx, rec.ID, domain.StatusFailed, StatusUpdate{RetryCount: &retries, Error: &msg}))
	got = mustGet(t, s, rec.ID)
	assert.Equal(t, domain.StatusFailed, got.SyncStatus)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, msg, got.LastError)

	require.NoError(t, s.UpdateStatus(ctx, rec.ID, domain.StatusSyncing, StatusUpdate{}))
	remoteID := "srv-42"
	require.NoError(t, s.UpdateStatus(ctx, rec.ID, domain.StatusSynced, StatusUpdate{RemoteID: &remoteID}))
	got = mustGet(t, s, rec.ID)
	assert.Equal(t, domain.StatusSynced, got.SyncStatus)
	require.NotNil(t, got.RemoteID)
	assert.Equal(t, "srv-42", *got.RemoteID)

	// synced is terminal
	assert.ErrorIs(t, s.UpdateStatus(ctx, rec.ID, domain.StatusSyncing, StatusUpdate{}), ErrInvalidTransition)

	// a vanished record is tolerated
	assert.NoError(t, s.UpdateStatus(ctx, uuid.NewString(), domain.StatusFailed, StatusUpdate{}))
}

func TestClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := mustInsert(t, s, measurement("u1"))

	claimed, err := s.Claim(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSyncing, claimed.SyncStatus)
	require.NotNil(t, claimed.LastAttemptAt)

	_, err = s.Claim(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNotClaimable, "a record in flight cannot be claimed twice")

	_, err = s.Claim(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stuck := mustInsert(t, s, measurement("u1"))
	idle := mustInsert(t, s, measurement("u1"))
	_, err := s.Claim(ctx, stuck.ID)
	require.NoError(t, err)

	n, err := s.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := mustGet(t, s, stuck.ID)
	assert.Equal(t, domain.StatusFailed, got.SyncStatus)
	assert.Zero(t, got.RetryCount, "recovery does not count as an attempt")
	assert.Equal(t, interruptedMessage, got.LastError)
	assert.Equal(t, domain.StatusPending, mustGet(t, s, idle.ID).SyncStatus)

	n, err = s.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDelete_CascadesToChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := measurement("u1")
	session.Kind = domain.KindSession
	parent := mustInsert(t, s, session)
	child := measurement("u1")
	child.Kind = domain.KindExerciseResult
	child.ParentID = parent.ID
	kid := mustInsert(t, s, child)
	other := mustInsert(t, s, measurement("u1"))

	require.NoError(t, s.Delete(ctx, parent.ID))

	for _, id := range []string{parent.ID, kid.ID} {
		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, rec)
	}
	mustGet(t, s, other.ID)
	assert.ErrorIs(t, s.Delete(ctx, parent.ID), ErrNotFound)
}

func TestInsert_UnknownParentRejected(t *testing.T) {
	s := newTestStore(t)
	in := measurement("u1")
	in.ParentID = uuid.NewString()

	_, err := s.Insert(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidRecord)
	assert.NotErrorIs(t, err, ErrStorage, "the medium is fine, the record is not")
}

func TestInsert_CanonicalizesID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, form := range []func(uuid.UUID) string{
		func(u uuid.UUID) string { return "urn:uuid:" + u.String() },
		func(u uuid.UUID) string { return "{" + u.String() + "}" },
		func(u uuid.UUID) string { return strings.ToUpper(u.String()) },
	} {
		u := uuid.New()
		in := measurement("u1")
		in.ID = form(u)

		rec, err := s.Insert(ctx, in)
		require.NoError(t, err, in.ID)
		assert.Equal(t, u.String(), rec.ID)
		assert.Len(t, rec.ID, 36)
		assert.Equal(t, u.String(), mustGet(t, s, u.String()).Submission().ID)
	}
}

func idsOf(recs []domain.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
