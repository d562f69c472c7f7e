// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the device-side
// Record model (the outbox table).
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no business logic beyond the status guards that must be enforced
// in the same statement as the write.
//
// Error semantics:
//   - Missing rows yield ErrNotFound (gorm.ErrRecordNotFound).
//   - A conditional status change that matched no row yields
//     ErrStatusConflict when the row exists in another status.
//   - Unique violations on insert yield ErrDuplicate.
//   - A parent id with no matching row yields ErrUnknownParent.
//   - Any other DB error is returned as-is.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/physio-sync/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrStatusConflict is returned when a guarded status update found the row in
// a status it may not leave that way.
var ErrStatusConflict = errors.New("record status conflict")

// ErrUnknownParent is returned when a child record names a parent that does
// not exist.
var ErrUnknownParent = errors.New("parent record does not exist")

// RecordQuery narrows ListRecords. Zero values mean "any".
type RecordQuery struct {
	OwnerID  string
	Kind     string
	Statuses []domain.SyncStatus
}

func (q RecordQuery) apply(db *gorm.DB) *gorm.DB {
	if q.OwnerID != "" {
		db = db.Where("owner_id = ?", q.OwnerID)
	}
	if q.Kind != "" {
		db = db.Where("kind = ?", q.Kind)
	}
	if len(q.Statuses) > 0 {
		db = db.Where("sync_status IN ?", q.Statuses)
	}
	return db
}

// CreateRecord inserts rec as given. Callers set ID, status and timestamps.
func CreateRecord(ctx context.Context, db *gorm.DB, rec *domain.Record) error {
	if err := db.WithContext(ctx).Omit("Parent").Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if isForeignKeyViolation(err) {
			return ErrUnknownParent
		}
		return err
	}
	return nil
}

// GetRecord fetches a record by id, or ErrNotFound.
func GetRecord(ctx context.Context, db *gorm.DB, id string) (*domain.Record, error) {
	var r domain.Record
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRecords returns records matching q in FIFO order (created_at, then id).
func ListRecords(ctx context.Context, db *gorm.DB, q RecordQuery) ([]domain.Record, error) {
	out := []domain.Record{}
	err := q.apply(db.WithContext(ctx).Model(&domain.Record{})).
		Order("created_at asc").
		Order("id asc").
		Find(&out).Error
	return out, err
}

// CountRecords returns the number of records matching q.
func CountRecords(ctx context.Context, db *gorm.DB, q RecordQuery) (int64, error) {
	var n int64
	err := q.apply(db.WithContext(ctx).Model(&domain.Record{})).Count(&n).Error
	return n, err
}

// StatusUpdate carries the optional columns written alongside a status.
type StatusUpdate struct {
	RetryCount *int
	RemoteID   *string
	Error      *string
	AttemptAt  *time.Time
}

// UpdateRecordStatus moves record id to status `to`, but only if its current
// status is one of `from`. It returns ErrNotFound when the id is unknown and
// ErrStatusConflict when the row is in another status.
func UpdateRecordStatus(ctx context.Context, db *gorm.DB, id string, from []domain.SyncStatus, to domain.SyncStatus, u StatusUpdate, now time.Time) error {
	cols := map[string]any{
		"sync_status": to,
		"updated_at":  now,
	}
	if u.RetryCount != nil {
		cols["retry_count"] = *u.RetryCount
	}
	if u.RemoteID != nil {
		cols["remote_id"] = *u.RemoteID
	}
	if u.Error != nil {
		cols["last_error"] = *u.Error
	}
	if u.AttemptAt != nil {
		cols["last_attempt_at"] = *u.AttemptAt
	}

	q := db.WithContext(ctx).Model(&domain.Record{}).Where("id = ?", id)
	if len(from) > 0 {
		q = q.Where("sync_status IN ?", from)
	}
	res := q.Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var n int64
	if err := db.WithContext(ctx).Model(&domain.Record{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrStatusConflict
}

// ResetSyncing flips every syncing record to failed with the given error
// message, leaving retry counts untouched. It returns the ids it changed.
func ResetSyncing(ctx context.Context, db *gorm.DB, msg string, now time.Time) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Record{}).
			Where("sync_status = ?", domain.StatusSyncing).
			Order("created_at asc").
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&domain.Record{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"sync_status": domain.StatusFailed,
				"last_error":  msg,
				"updated_at":  now,
			}).Error
	})
	return ids, err
}

// DeleteRecord removes a record; children go with it through the FK cascade.
// It returns ErrNotFound if nothing was deleted.
func DeleteRecord(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Record{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
