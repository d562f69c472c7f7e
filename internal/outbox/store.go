package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/physio-sync/internal/domain"
	"github.com/tbourn/physio-sync/internal/repo"
)

// Filter selects records for queries and watches. Zero fields match anything.
type Filter struct {
	OwnerID  string
	Kind     string
	Statuses []domain.SyncStatus
}

// ByOwner is a filter on ownerID.
func ByOwner(ownerID string) Filter { return Filter{OwnerID: ownerID} }

// ByStatus is a filter on one or more statuses.
func ByStatus(statuses ...domain.SyncStatus) Filter { return Filter{Statuses: statuses} }

// Matches reports whether r satisfies the filter.
func (f Filter) Matches(r domain.Record) bool {
	if f.OwnerID != "" && r.OwnerID != f.OwnerID {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	return len(f.Statuses) == 0 || f.hasStatus(r.SyncStatus)
}

func (f Filter) hasStatus(s domain.SyncStatus) bool {
	for _, st := range f.Statuses {
		if st == s {
			return true
		}
	}
	return false
}

// affectedBy reports whether a change could alter the filter's result: the
// record matched before the change or matches after it.
func (f Filter) affectedBy(c Change) bool {
	if c.Bulk {
		return c.OwnerID == "" || f.OwnerID == "" || f.OwnerID == c.OwnerID
	}
	if f.OwnerID != "" && c.OwnerID != f.OwnerID {
		return false
	}
	if f.Kind != "" && c.Kind != f.Kind {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	return (c.From != "" && f.hasStatus(c.From)) || (c.To != "" && f.hasStatus(c.To))
}

func (f Filter) query() repo.RecordQuery {
	return repo.RecordQuery{OwnerID: f.OwnerID, Kind: f.Kind, Statuses: f.Statuses}
}

// StatusUpdate carries the optional fields written with a status transition.
type StatusUpdate struct {
	RetryCount *int
	RemoteID   *string
	Error      *string
}

// Store is the durable record store. Every write is committed before the
// call returns and is then published to the store's Hub.
type Store struct {
	db  *gorm.DB
	hub *Hub
	log zerolog.Logger
	now func() time.Time
}

// NewStore wraps an already migrated database handle.
func NewStore(db *gorm.DB, log zerolog.Logger) *Store {
	s := &Store{
		db:  db,
		log: log.With().Str("component", "outbox.store").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
	s.hub = newHub(s, log)
	return s
}

// Hub returns the live read model over this store.
func (s *Store) Hub() *Hub { return s.hub }

// DB exposes the underlying handle (used by tests and the CLI status view).
func (s *Store) DB() *gorm.DB { return s.db }

// Insert persists a new record with status pending and retry count zero.
// Failures of the medium come back as *StorageError.
func (s *Store) Insert(ctx context.Context, in domain.NewRecord) (domain.Record, error) {
	owner := strings.TrimSpace(in.OwnerID)
	kind := domain.NormalizeKind(in.Kind)
	if owner == "" || kind == "" {
		return domain.Record{}, fmt.Errorf("%w: owner and kind are required", ErrInvalidRecord)
	}
	if err := in.Payload.Validate(); err != nil {
		return domain.Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	} else {
		u, err := uuid.Parse(id)
		if err != nil {
			return domain.Record{}, fmt.Errorf("%w: id must be a UUID", ErrInvalidRecord)
		}
		// urn and braced forms travel as the idempotency key, which the
		// remote only accepts in the canonical 36-char form.
		id = u.String()
	}

	now := s.now()
	rec := domain.Record{
		ID:         id,
		OwnerID:    owner,
		Kind:       kind,
		Payload:    in.Payload.Clone(),
		CreatedAt:  now,
		UpdatedAt:  now,
		SyncStatus: domain.StatusPending,
		RetryCount: 0,
	}
	if p := strings.TrimSpace(in.ParentID); p != "" {
		rec.ParentID = &p
	}

	if err := repo.CreateRecord(ctx, s.db, &rec); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.Record{}, storageErr("insert", fmt.Errorf("%w: %s", ErrDuplicateID, id))
		}
		if errors.Is(err, repo.ErrUnknownParent) {
			return domain.Record{}, fmt.Errorf("%w: parent %s does not exist", ErrInvalidRecord, *rec.ParentID)
		}
		return domain.Record{}, storageErr("insert", err)
	}

	s.log.Debug().Str("record_id", rec.ID).Str("owner_id", owner).Str("kind", kind).Msg("record saved")
	s.hub.publish(Change{ID: rec.ID, OwnerID: rec.OwnerID, Kind: rec.Kind, To: rec.SyncStatus})
	return rec.Clone(), nil
}

// Get returns the record with id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*domain.Record, error) {
	r, err := repo.GetRecord(ctx, s.db, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return r, nil
}

// Query returns the records matching f, oldest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]domain.Record, error) {
	out, err := repo.ListRecords(ctx, s.db, f.query())
	if err != nil {
		return nil, storageErr("query", err)
	}
	return out, nil
}

// QueryByStatus returns the records in status, oldest first.
func (s *Store) QueryByStatus(ctx context.Context, status domain.SyncStatus) ([]domain.Record, error) {
	return s.Query(ctx, ByStatus(status))
}

// QueryByOwner returns the records of ownerID, oldest first.
func (s *Store) QueryByOwner(ctx context.Context, ownerID string) ([]domain.Record, error) {
	return s.Query(ctx, ByOwner(ownerID))
}

// Count returns the number of records matching f.
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	n, err := repo.CountRecords(ctx, s.db, f.query())
	if err != nil {
		return 0, storageErr("count", err)
	}
	return int(n), nil
}

// Counts tallies records by status for ownerID (empty for all owners).
func (s *Store) Counts(ctx context.Context, ownerID string) (domain.StatusCounts, error) {
	c, err := repo.StatusCounts(ctx, s.db, ownerID)
	if err != nil {
		return c, storageErr("counts", err)
	}
	return c, nil
}

// UpdateStatus applies a status transition with its bookkeeping fields. An
// unknown id is logged and tolerated: the record may have been deleted
// concurrently. Transitions the lifecycle forbids return ErrInvalidTransition.
func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.SyncStatus, u StatusUpdate) error {
	before, err := repo.GetRecord(ctx, s.db, id)
	if errors.Is(err, repo.ErrNotFound) {
		s.log.Warn().Str("record_id", id).Str("to", string(status)).Msg("status update for missing record ignored")
		return nil
	}
	if err != nil {
		return storageErr("update status", err)
	}
	if !domain.CanTransition(before.SyncStatus, status) {
		return fmt.Errorf("%w: %s -> %s (record %s)", ErrInvalidTransition, before.SyncStatus, status, id)
	}

	now := s.now()
	ru := repo.StatusUpdate{RetryCount: u.RetryCount, RemoteID: u.RemoteID, Error: u.Error}
	if status == domain.StatusSyncing {
		ru.AttemptAt = &now
	}
	err = repo.UpdateRecordStatus(ctx, s.db, id, []domain.SyncStatus{before.SyncStatus}, status, ru, now)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		s.log.Warn().Str("record_id", id).Str("to", string(status)).Msg("record deleted during status update")
		return nil
	case errors.Is(err, repo.ErrStatusConflict):
		return fmt.Errorf("%w: record %s changed concurrently", ErrInvalidTransition, id)
	case err != nil:
		return storageErr("update status", err)
	}

	s.hub.publish(Change{ID: id, OwnerID: before.OwnerID, Kind: before.Kind, From: before.SyncStatus, To: status})
	return nil
}

// Claim marks a pending or failed record as syncing and returns its fresh
// state. It is the per-record in-flight guard: a record that is already
// syncing (or synced) yields ErrNotClaimable, a missing one ErrNotFound.
func (s *Store) Claim(ctx context.Context, id string) (domain.Record, error) {
	before, err := repo.GetRecord(ctx, s.db, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Record{}, ErrNotFound
	}
	if err != nil {
		return domain.Record{}, storageErr("claim", err)
	}
	if !domain.CanTransition(before.SyncStatus, domain.StatusSyncing) {
		return domain.Record{}, fmt.Errorf("%w: %s is %s", ErrNotClaimable, id, before.SyncStatus)
	}

	now := s.now()
	err = repo.UpdateRecordStatus(ctx, s.db, id, []domain.SyncStatus{before.SyncStatus}, domain.StatusSyncing,
		repo.StatusUpdate{AttemptAt: &now}, now)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return domain.Record{}, ErrNotFound
	case errors.Is(err, repo.ErrStatusConflict):
		return domain.Record{}, fmt.Errorf("%w: %s changed concurrently", ErrNotClaimable, id)
	case err != nil:
		return domain.Record{}, storageErr("claim", err)
	}

	claimed := before.Clone()
	claimed.SyncStatus = domain.StatusSyncing
	claimed.UpdatedAt = now
	claimed.LastAttemptAt = &now
	s.hub.publish(Change{ID: id, OwnerID: before.OwnerID, Kind: before.Kind, From: before.SyncStatus, To: domain.StatusSyncing})
	return claimed, nil
}

// interruptedMessage is stored on records recovered from an interrupted pass.
const interruptedMessage = "delivery interrupted before completion"

// RecoverStale re-classifies records left in syncing by a previous process
// as failed, keeping their retry count, so they become retry-eligible again.
// It must run before the first delivery pass of a process.
func (s *Store) RecoverStale(ctx context.Context) (int, error) {
	ids, err := repo.ResetSyncing(ctx, s.db, interruptedMessage, s.now())
	if err != nil {
		return 0, storageErr("recover stale", err)
	}
	if len(ids) > 0 {
		recoveredTotal.Add(float64(len(ids)))
		s.log.Warn().Int("count", len(ids)).Msg("recovered records left in syncing")
		s.hub.publish(Change{From: domain.StatusSyncing, To: domain.StatusFailed, Bulk: true})
	}
	return len(ids), nil
}

// Delete removes a record and, through the foreign key, its children. This is
// a user action; the sync engine itself never deletes.
func (s *Store) Delete(ctx context.Context, id string) error {
	before, err := repo.GetRecord(ctx, s.db, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return storageErr("delete", err)
	}
	if err := repo.DeleteRecord(ctx, s.db, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotFound
		}
		return storageErr("delete", err)
	}
	// Children may live in any status, so wake every watcher of this owner.
	s.hub.publish(Change{ID: id, OwnerID: before.OwnerID, Bulk: true})
	return nil
}
