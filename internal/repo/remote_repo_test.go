package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tbourn/physio-sync/internal/domain"
)

func TestCreateRemoteRecord_UniqueClientID(t *testing.T) {
	db := newTestDB(t, &domain.RemoteRecord{})
	ctx := context.Background()
	now := time.Now().UTC()

	first := remoteRow("s1", "c1", "u1", now)
	if err := CreateRemoteRecord(ctx, db, &first); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := remoteRow("s2", "c1", "u1", now)
	if err := CreateRemoteRecord(ctx, db, &dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}

	got, err := GetRemoteRecordByClientID(ctx, db, "c1")
	if err != nil || got.ID != "s1" {
		t.Fatalf("by client id = %+v, %v", got, err)
	}
	if _, err := GetRemoteRecordByClientID(ctx, db, "  "); !errors.Is(err, ErrNotFound) {
		t.Fatalf("blank client id: want ErrNotFound, got %v", err)
	}
	if _, err := GetRemoteRecord(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestIncrementDeliveries(t *testing.T) {
	db := newTestDB(t, &domain.RemoteRecord{})
	ctx := context.Background()
	row := remoteRow("s1", "c1", "u1", time.Now().UTC())
	if err := CreateRemoteRecord(ctx, db, &row); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := IncrementDeliveries(ctx, db, "s1"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	got, _ := GetRemoteRecord(ctx, db, "s1")
	if got.Deliveries != 3 {
		t.Fatalf("deliveries = %d; want 3", got.Deliveries)
	}
	if err := IncrementDeliveries(ctx, db, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestListRemoteRecordsPage_NewestFirst(t *testing.T) {
	db := newTestDB(t, &domain.RemoteRecord{})
	ctx := context.Background()
	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		row := remoteRow(fmt.Sprintf("s%d", i), fmt.Sprintf("c%d", i), "u1", base.Add(time.Duration(i)*time.Hour))
		if err := CreateRemoteRecord(ctx, db, &row); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	other := remoteRow("x", "cx", "u2", base)
	_ = CreateRemoteRecord(ctx, db, &other)

	total, err := CountRemoteRecords(ctx, db, "u1")
	if err != nil || total != 5 {
		t.Fatalf("count = %d, %v", total, err)
	}

	page, err := ListRemoteRecordsPage(ctx, db, "u1", 2, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].ID != "s2" || page[1].ID != "s1" {
		t.Fatalf("page = %+v", page)
	}
}
