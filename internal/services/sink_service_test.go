package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/physio-sync/internal/domain"
	"github.com/tbourn/physio-sync/internal/repo"
)

func newSink(t *testing.T) *RecordSink {
	t.Helper()
	db, err := repo.OpenSQLite(repo.MemoryDSN("sink_"+uuid.NewString()), repo.Options{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := repo.MigrateSink(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { closeDB(db) })

	s := NewRecordSink(db, zerolog.Nop())
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func sub(owner string) domain.Submission {
	return domain.Submission{
		ID:      uuid.NewString(),
		OwnerID: owner,
		Kind:    "  Measurement ",
		Payload: domain.Payload(`{"grip_kg":31}`),
	}
}

func TestReceive_StoresOncePerID(t *testing.T) {
	s := newSink(t)
	ctx := context.Background()
	in := sub("patient-1")

	rec, replayed, err := s.Receive(ctx, "", in)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if replayed {
		t.Fatalf("first receipt reported as replay")
	}
	if rec.ClientID != in.ID || rec.OwnerID != "patient-1" || rec.Kind != domain.KindMeasurement || rec.Deliveries != 1 {
		t.Fatalf("stored record unexpected: %+v", rec)
	}

	for i := 2; i <= 3; i++ {
		again, replayed, err := s.Receive(ctx, "", in)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if !replayed || again.ID != rec.ID || again.Deliveries != i {
			t.Fatalf("replay %d unexpected: replayed=%v %+v", i, replayed, again)
		}
	}

	n, err := repo.CountRemoteRecords(ctx, s.DB, "patient-1")
	if err != nil || n != 1 {
		t.Fatalf("expected exactly one stored row, got %d (%v)", n, err)
	}
}

func TestReceive_ConcurrentDuplicatesCollapse(t *testing.T) {
	s := newSink(t)
	ctx := context.Background()
	in := sub("patient-1")

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, _, err := s.Receive(ctx, "", in)
			errs[i] = err
			if rec != nil {
				ids[i] = rec.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("call %d got remote id %s, want %s", i, ids[i], ids[0])
		}
	}
	got, err := repo.GetRemoteRecordByClientID(ctx, s.DB, in.ID)
	if err != nil || got.Deliveries != n {
		t.Fatalf("deliveries = %v (%v), want %d", got, err, n)
	}
}

func TestReceive_Validation(t *testing.T) {
	s := newSink(t)
	ctx := context.Background()

	cases := map[string]func(*domain.Submission){
		"non-uuid id":       func(x *domain.Submission) { x.ID = "abc" },
		"blank kind":        func(x *domain.Submission) { x.Kind = "  " },
		"array payload":     func(x *domain.Submission) { x.Payload = domain.Payload(`[]`) },
		"missing payload":   func(x *domain.Submission) { x.Payload = nil },
		"no owner anywhere": func(x *domain.Submission) { x.OwnerID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := sub("patient-1")
			mutate(&in)
			if _, _, err := s.Receive(ctx, "", in); !errors.Is(err, ErrInvalidSubmission) {
				t.Fatalf("err = %v, want ErrInvalidSubmission", err)
			}
		})
	}
}

func TestReceive_OwnerRules(t *testing.T) {
	s := newSink(t)
	ctx := context.Background()

	// authenticated caller fills in a missing owner
	in := sub("")
	rec, _, err := s.Receive(ctx, "patient-7", in)
	if err != nil || rec.OwnerID != "patient-7" {
		t.Fatalf("Receive = %+v, %v", rec, err)
	}

	// body owner must match the caller
	if _, _, err := s.Receive(ctx, "patient-7", sub("patient-8")); !errors.Is(err, ErrOwnerMismatch) {
		t.Fatalf("spoofed owner err = %v", err)
	}

	// a known id cannot be replayed by someone else
	if _, _, err := s.Receive(ctx, "patient-8", in); !errors.Is(err, ErrOwnerMismatch) {
		t.Fatalf("foreign replay err = %v", err)
	}
}

func TestListPage_AndGet(t *testing.T) {
	s := newSink(t)
	ctx := context.Background()

	empty, total, err := s.ListPage(ctx, "patient-1", 1, 10)
	if err != nil || total != 0 || empty == nil || len(empty) != 0 {
		t.Fatalf("empty list = %v, %d, %v", empty, total, err)
	}

	var stored []*domain.RemoteRecord
	for i := 0; i < 3; i++ {
		rec, _, err := s.Receive(ctx, "", sub("patient-1"))
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		stored = append(stored, rec)
	}
	if _, _, err := s.Receive(ctx, "", sub("patient-2")); err != nil {
		t.Fatalf("seed other: %v", err)
	}

	page, total, err := s.ListPage(ctx, "patient-1", 1, 2)
	if err != nil || total != 3 || len(page) != 2 {
		t.Fatalf("page 1 = %d items, total %d, %v", len(page), total, err)
	}
	if page[0].ID != stored[2].ID || page[1].ID != stored[1].ID {
		t.Fatalf("page 1 not newest first")
	}
	page, _, err = s.ListPage(ctx, "patient-1", 0, 0) // clamped to 1/20
	if err != nil || len(page) != 3 {
		t.Fatalf("clamped page = %d, %v", len(page), err)
	}

	// by server id and by device id
	for _, id := range []string{stored[0].ID, stored[0].ClientID} {
		got, err := s.Get(ctx, "patient-1", id)
		if err != nil || got.ID != stored[0].ID {
			t.Fatalf("Get(%s) = %+v, %v", id, got, err)
		}
	}
	if _, err := s.Get(ctx, "patient-2", stored[0].ID); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("foreign Get err = %v", err)
	}
	if _, err := s.Get(ctx, "patient-1", uuid.NewString()); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("missing Get err = %v", err)
	}
}

func TestLookup(t *testing.T) {
	s := newSink(t)
	ctx := context.Background()

	rec, err := s.Lookup(ctx, uuid.NewString())
	if err != nil || rec != nil {
		t.Fatalf("unknown Lookup = %v, %v", rec, err)
	}

	in := sub("patient-1")
	if _, _, err := s.Receive(ctx, "", in); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	rec, err = s.Lookup(ctx, in.ID)
	if err != nil || rec == nil || rec.ClientID != in.ID {
		t.Fatalf("Lookup = %+v, %v", rec, err)
	}
}
