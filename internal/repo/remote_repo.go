// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides sink-side helpers for RemoteRecord, the
// table that makes record submission idempotent: ClientID is unique, so a
// second insert for the same device record id reports ErrDuplicate and the
// caller replays the stored row instead.
package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/physio-sync/internal/domain"
)

// ErrDuplicate indicates that a row with the same unique key already exists.
var ErrDuplicate = errors.New("duplicate")

// CreateRemoteRecord inserts rec and returns ErrDuplicate on a unique
// violation of client_id.
func CreateRemoteRecord(ctx context.Context, db *gorm.DB, rec *domain.RemoteRecord) error {
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetRemoteRecordByClientID returns the row stored for a device record id.
func GetRemoteRecordByClientID(ctx context.Context, db *gorm.DB, clientID string) (*domain.RemoteRecord, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.RemoteRecord
	err := db.WithContext(ctx).Where("client_id = ?", clientID).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRemoteRecord returns a row by its server-side id.
func GetRemoteRecord(ctx context.Context, db *gorm.DB, id string) (*domain.RemoteRecord, error) {
	var rec domain.RemoteRecord
	if err := db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// IncrementDeliveries records one more submission of an already stored row.
func IncrementDeliveries(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).
		Model(&domain.RemoteRecord{}).
		Where("id = ?", id).
		Update("deliveries", gorm.Expr("deliveries + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRemoteRecords returns the number of rows for ownerID.
func CountRemoteRecords(ctx context.Context, db *gorm.DB, ownerID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.RemoteRecord{}).
		Where("owner_id = ?", ownerID).
		Count(&total).Error
	return total, err
}

// ListRemoteRecordsPage returns a page of rows for ownerID, newest first.
func ListRemoteRecordsPage(ctx context.Context, db *gorm.DB, ownerID string, offset, limit int) ([]domain.RemoteRecord, error) {
	var out []domain.RemoteRecord
	err := db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("received_at desc").
		Order("id asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// isUniqueViolation recognises unique-constraint failures.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// isForeignKeyViolation recognises FOREIGN KEY constraint failures.
func isForeignKeyViolation(err error) bool {
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}
