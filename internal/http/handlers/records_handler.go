// Record HTTP handlers.
//
// This file exposes the sink endpoints devices sync against:
//   - POST /records        (submit, idempotent on the record id)
//   - GET  /records        (list, paginated, ETag support)
//   - GET  /records/{id}   (fetch by server id or device id)
//
// Handlers are transport-thin: they validate input, call the sink service
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/physio-sync/internal/domain"
	"github.com/tbourn/physio-sync/internal/http/middleware"
	"github.com/tbourn/physio-sync/internal/services"
	"github.com/tbourn/physio-sync/internal/utils"
)

// RecordService is the sink logic consumed by the handlers. Implementations
// must be safe for concurrent use and honor ctx.
type RecordService interface {
	// Receive stores a submission once per record id and reports replays.
	Receive(ctx context.Context, ownerID string, sub domain.Submission) (*domain.RemoteRecord, bool, error)
	// ListPage returns a page of ownerID's records and the total count.
	ListPage(ctx context.Context, ownerID string, page, pageSize int) ([]domain.RemoteRecord, int64, error)
	// Get returns a record visible to ownerID.
	Get(ctx context.Context, ownerID, id string) (*domain.RemoteRecord, error)
}

// StatsFunc returns the row count and newest update time for ownerID. It
// feeds the list ETag; nil disables conditional responses.
type StatsFunc func(ctx context.Context, ownerID string) (int64, *time.Time, error)

// Handlers groups the record endpoints.
type Handlers struct {
	svc   RecordService
	stats StatsFunc
}

// New constructs Handlers bound to svc.
func New(svc RecordService, stats StatsFunc) *Handlers {
	return &Handlers{svc: svc, stats: stats}
}

// ownerID returns the authenticated owner. Without auth the X-Owner-ID
// header is honored (development and tests); otherwise it is "".
func ownerID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c.Request != nil {
		return strings.TrimSpace(c.GetHeader("X-Owner-ID"))
	}
	return ""
}

//
// DTOs
//

// SubmitRecordRequest is the JSON body of POST /records.
type SubmitRecordRequest struct {
	ID       string          `json:"id" binding:"required"`
	OwnerID  string          `json:"owner_id"`
	Kind     string          `json:"kind" binding:"required"`
	ParentID string          `json:"parent_id"`
	Payload  json.RawMessage `json:"payload" binding:"required"`
}

// RecordResponse is a stored record plus whether this call was a replay.
type RecordResponse struct {
	domain.RemoteRecord
	Replayed bool `json:"replayed"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListRecordsResponse wraps a page of records.
type ListRecordsResponse struct {
	Records    []domain.RemoteRecord `json:"records"`
	Pagination Pagination            `json:"pagination"`
}

// clampPagination parses page and page_size with defaults and bounds.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPageSize = 20
		maxPageSize     = 100
	)
	return utils.Page(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)
}

//
// Handlers
//

// SubmitRecord stores a device record. 201 on first receipt, 200 with the
// stored row on replay. The Idempotency-Key, when present, must equal the
// body id.
func (h *Handlers) SubmitRecord(c *gin.Context) {
	var req SubmitRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if key, has := middleware.GetIdempotencyKey(c); has && key != req.ID {
		fail(c, http.StatusBadRequest, ErrCodeKeyMismatch, "Idempotency-Key must equal the record id")
		return
	}

	sub := domain.Submission{
		ID:       strings.TrimSpace(req.ID),
		OwnerID:  req.OwnerID,
		Kind:     req.Kind,
		ParentID: req.ParentID,
		Payload:  domain.Payload(req.Payload),
	}
	rec, replayed, err := h.svc.Receive(c.Request.Context(), ownerID(c), sub)
	switch {
	case errors.Is(err, services.ErrInvalidSubmission):
		fail(c, http.StatusUnprocessableEntity, ErrCodeInvalidRecord, err.Error())
		return
	case errors.Is(err, services.ErrOwnerMismatch):
		fail(c, http.StatusConflict, ErrCodeOwnerMismatch, err.Error())
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, "could not store record")
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	ok(c, status, RecordResponse{RemoteRecord: *rec, Replayed: replayed})
}

// ListRecords returns a page of the owner's records, newest first. A
// matching If-None-Match yields 304.
func (h *Handlers) ListRecords(c *gin.Context) {
	ctx := c.Request.Context()
	owner := ownerID(c)
	if owner == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "owner is required")
		return
	}
	page, pageSize := clampPagination(c)

	if h.stats != nil {
		if count, maxTS, err := h.stats(ctx, owner); err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"records:%s:%d:%d:%d:%d"`, owner, count, ts, page, pageSize)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				notModified(c)
				return
			}
		}
	}

	items, total, err := h.svc.ListPage(ctx, owner, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list records")
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListRecordsResponse{
		Records: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetRecord returns one record of the owner.
func (h *Handlers) GetRecord(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "record id is required")
		return
	}
	rec, err := h.svc.Get(c.Request.Context(), ownerID(c), id)
	switch {
	case errors.Is(err, services.ErrRecordNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "record not found")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load record")
		return
	}
	ok(c, http.StatusOK, rec)
}
