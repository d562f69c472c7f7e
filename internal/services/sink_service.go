// Package services – RecordSink
//
// This file implements RecordSink, the receiving end of device sync. A
// submission is stored once per device record id (client_id); any later
// submission of the same id returns the stored row and bumps its delivery
// counter instead of creating a duplicate. That makes device retries safe.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// the owner and record identifiers.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/physio-sync/internal/domain"
	"github.com/tbourn/physio-sync/internal/repo"
)

// RecordSink stores submitted records idempotently.
type RecordSink struct {
	// DB is the GORM handle of the sink store.
	DB *gorm.DB
	// Log receives replay and validation diagnostics.
	Log zerolog.Logger

	now func() time.Time
}

// NewRecordSink constructs a RecordSink over db.
func NewRecordSink(db *gorm.DB, log zerolog.Logger) *RecordSink {
	return &RecordSink{
		DB:  db,
		Log: log.With().Str("component", "services.sink").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Receive validates and stores sub for ownerID. ownerID is the
// authenticated caller; when empty the submission's own owner is trusted.
// It returns the stored row and whether it already existed.
func (s *RecordSink) Receive(ctx context.Context, ownerID string, sub domain.Submission) (*domain.RemoteRecord, bool, error) {
	tr := otel.Tracer("services/RecordSink")
	ctx, span := tr.Start(ctx, "Receive",
		trace.WithAttributes(
			attribute.String("record.client_id", sub.ID),
			attribute.String("owner.id", ownerID),
		),
	)
	defer span.End()

	owner, err := resolveOwner(ownerID, sub.OwnerID)
	if err != nil {
		return nil, false, err
	}
	if _, err := uuid.Parse(sub.ID); err != nil {
		return nil, false, fmt.Errorf("%w: id must be a UUID", ErrInvalidSubmission)
	}
	kind := domain.NormalizeKind(sub.Kind)
	if kind == "" {
		return nil, false, fmt.Errorf("%w: kind is required", ErrInvalidSubmission)
	}
	if err := sub.Payload.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}

	now := s.now()
	rec := &domain.RemoteRecord{
		ID:             uuid.NewString(),
		ClientID:       sub.ID,
		OwnerID:        owner,
		Kind:           kind,
		ParentClientID: strings.TrimSpace(sub.ParentID),
		Payload:        sub.Payload.Clone(),
		Deliveries:     1,
		ReceivedAt:     now,
		UpdatedAt:      now,
	}

	err = repo.CreateRemoteRecord(ctx, s.DB, rec)
	if err == nil {
		span.SetAttributes(attribute.Bool("record.replayed", false))
		return rec, false, nil
	}
	if !errors.Is(err, repo.ErrDuplicate) {
		return nil, false, err
	}

	existing, err := repo.GetRemoteRecordByClientID(ctx, s.DB, sub.ID)
	if err != nil {
		return nil, false, err
	}
	if existing.OwnerID != owner {
		s.Log.Warn().Str("client_id", sub.ID).Str("owner_id", owner).Msg("replay for a record of another owner refused")
		return nil, false, ErrOwnerMismatch
	}
	if err := repo.IncrementDeliveries(ctx, s.DB, existing.ID); err != nil {
		return nil, false, err
	}
	existing.Deliveries++
	span.SetAttributes(attribute.Bool("record.replayed", true))
	s.Log.Debug().Str("client_id", sub.ID).Int("deliveries", existing.Deliveries).Msg("submission replayed")
	return existing, true, nil
}

// ListPage returns a page of ownerID's records, newest first, with the total.
func (s *RecordSink) ListPage(ctx context.Context, ownerID string, page, pageSize int) ([]domain.RemoteRecord, int64, error) {
	tr := otel.Tracer("services/RecordSink")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("owner.id", ownerID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountRemoteRecords(ctx, s.DB, ownerID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.RemoteRecord{}, 0, nil
	}
	items, err := repo.ListRemoteRecordsPage(ctx, s.DB, ownerID, offset, pageSize)
	return items, total, err
}

// Get returns one record by its server id, or by the device id when id is
// not found as a server id. Records of other owners are reported missing.
func (s *RecordSink) Get(ctx context.Context, ownerID, id string) (*domain.RemoteRecord, error) {
	rec, err := repo.GetRemoteRecord(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		rec, err = repo.GetRemoteRecordByClientID(ctx, s.DB, id)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if ownerID != "" && rec.OwnerID != ownerID {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// Lookup returns the stored row for a device record id. The idempotency
// middleware uses it to short-circuit replays.
func (s *RecordSink) Lookup(ctx context.Context, clientID string) (*domain.RemoteRecord, error) {
	rec, err := repo.GetRemoteRecordByClientID(ctx, s.DB, clientID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func resolveOwner(caller, claimed string) (string, error) {
	caller = strings.TrimSpace(caller)
	claimed = strings.TrimSpace(claimed)
	switch {
	case caller == "" && claimed == "":
		return "", fmt.Errorf("%w: owner_id is required", ErrInvalidSubmission)
	case caller == "":
		return claimed, nil
	case claimed != "" && claimed != caller:
		return "", ErrOwnerMismatch
	}
	return caller, nil
}
