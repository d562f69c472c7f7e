// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries: per-status
// tallies for the device sync indicator, and count/max(updated_at) for the
// sink's conditional list responses (ETag).
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/physio-sync/internal/domain"
)

// StatusCounts tallies device records by sync status, optionally scoped to
// ownerID (empty means all owners).
func StatusCounts(ctx context.Context, db *gorm.DB, ownerID string) (domain.StatusCounts, error) {
	var rows []struct {
		SyncStatus domain.SyncStatus
		N          int
	}
	q := db.WithContext(ctx).Model(&domain.Record{})
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	if err := q.Select("sync_status, COUNT(*) AS n").Group("sync_status").Scan(&rows).Error; err != nil {
		return domain.StatusCounts{}, err
	}

	var out domain.StatusCounts
	for _, r := range rows {
		switch r.SyncStatus {
		case domain.StatusPending:
			out.Pending = r.N
		case domain.StatusSyncing:
			out.Syncing = r.N
		case domain.StatusSynced:
			out.Synced = r.N
		case domain.StatusFailed:
			out.Failed = r.N
		}
	}
	return out, nil
}

// RemoteRecordsStats returns the total number of sink rows for ownerID and
// the greatest UpdatedAt among them (nil when there are none).
func RemoteRecordsStats(ctx context.Context, db *gorm.DB, ownerID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.RemoteRecord{}).Where("owner_id = ?", ownerID).Session(&gorm.Session{})

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
