package outbox

import (
	"sort"

	"github.com/tbourn/physio-sync/internal/domain"
)

// SelectBatch picks the records eligible for an automatic delivery pass:
// pending ones, and failed ones whose retry count is still below maxRetries.
// Records in flight (syncing) and synced records are never selected.
//
// The result is ordered oldest createdAt first, ties broken by id, so no
// record can be starved by newer ones. The input slice is not modified.
func SelectBatch(records []domain.Record, maxRetries int) []domain.Record {
	return selectFIFO(records, func(r domain.Record) bool {
		switch r.SyncStatus {
		case domain.StatusPending:
			return true
		case domain.StatusFailed:
			return r.RetryCount < maxRetries
		}
		return false
	})
}

// SelectFailed picks every failed record regardless of its retry count. It
// backs the manual "retry failed" action, which overrides the cap.
func SelectFailed(records []domain.Record) []domain.Record {
	return selectFIFO(records, func(r domain.Record) bool {
		return r.SyncStatus == domain.StatusFailed
	})
}

// Limit truncates a selection to at most n records; n <= 0 means no limit.
func Limit(records []domain.Record, n int) []domain.Record {
	if n <= 0 || len(records) <= n {
		return records
	}
	return records[:n]
}

func selectFIFO(records []domain.Record, keep func(domain.Record) bool) []domain.Record {
	out := make([]domain.Record, 0, len(records))
	for _, r := range records {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
