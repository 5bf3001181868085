// Package handlers serves the read-mostly query surface over the catalog
// and the diagnostic event stream.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mantonx/videory/internal/catalog"
	"github.com/mantonx/videory/internal/database"
	verrors "github.com/mantonx/videory/internal/errors"
	"github.com/mantonx/videory/internal/events"
)

const maxPendingLimit = 1000

// VideoStore is the part of the catalog the video handlers use
type VideoStore interface {
	ListTranscoded(ctx context.Context) ([]database.VideoRecord, error)
	ListPending(ctx context.Context, limit int) ([]database.VideoRecord, error)
	ListFailed(ctx context.Context) ([]database.VideoRecord, error)
	ListStalled(ctx context.Context) ([]database.VideoRecord, error)
	Stats(ctx context.Context) (*catalog.Stats, error)
	Requeue(ctx context.Context, key catalog.Key) (*database.VideoRecord, error)
	Delete(ctx context.Context, hash, path string) error
}

// Waker nudges the scheduler to look for work now
type Waker interface {
	Wake()
}

// KeyRequest identifies a record in request bodies
type KeyRequest struct {
	Hash string `json:"hash" binding:"required"`
	Path string `json:"path" binding:"required"`
}

// VideoHandler handles the /api/videos endpoints
type VideoHandler struct {
	store     VideoStore
	waker     Waker
	publisher events.Publisher
}

// NewVideoHandler creates a video handler. waker and publisher may be nil.
func NewVideoHandler(store VideoStore, waker Waker, publisher events.Publisher) *VideoHandler {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &VideoHandler{store: store, waker: waker, publisher: publisher}
}

// ListTranscoded lists finished videos, most recent first
func (h *VideoHandler) ListTranscoded(c *gin.Context) {
	h.respondList(c, func(ctx context.Context) ([]database.VideoRecord, error) {
		return h.store.ListTranscoded(ctx)
	})
}

// ListPending lists the oldest pending videos. ?limit bounds the result.
func (h *VideoHandler) ListPending(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			verrors.ToGinResponse(c, verrors.ValidationError("list_pending",
				fmt.Errorf("%w: limit must be a positive integer", verrors.ErrInvalidInput)))
			return
		}
		limit = min(n, maxPendingLimit)
	}

	h.respondList(c, func(ctx context.Context) ([]database.VideoRecord, error) {
		return h.store.ListPending(ctx, limit)
	})
}

// ListFailed lists videos whose encode failed
func (h *VideoHandler) ListFailed(c *gin.Context) {
	h.respondList(c, func(ctx context.Context) ([]database.VideoRecord, error) {
		return h.store.ListFailed(ctx)
	})
}

// ListStalled lists videos flagged as in progress
func (h *VideoHandler) ListStalled(c *gin.Context) {
	h.respondList(c, func(ctx context.Context) ([]database.VideoRecord, error) {
		return h.store.ListStalled(ctx)
	})
}

// GetStats returns per-state record counts
func (h *VideoHandler) GetStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		verrors.ToGinResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Requeue returns a failed video to the pending set and wakes the scheduler
func (h *VideoHandler) Requeue(c *gin.Context) {
	req, ok := bindKey(c, "requeue")
	if !ok {
		return
	}

	rec, err := h.store.Requeue(c.Request.Context(), catalog.Key{Hash: req.Hash, Path: req.Path})
	if err != nil {
		verrors.ToGinResponse(c, err)
		return
	}
	if h.waker != nil {
		h.waker.Wake()
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "video requeued",
		"video":   rec,
	})
}

// Delete removes a record. Files on disk are left alone.
func (h *VideoHandler) Delete(c *gin.Context) {
	req, ok := bindKey(c, "delete")
	if !ok {
		return
	}

	if err := h.store.Delete(c.Request.Context(), req.Hash, req.Path); err != nil {
		verrors.ToGinResponse(c, err)
		return
	}

	key := database.RecordKey(req.Hash, req.Path)
	_ = h.publisher.Publish(context.WithoutCancel(c.Request.Context()),
		events.New(events.EventVideoRemoved, "api", key, "record deleted").With("path", req.Path))

	c.JSON(http.StatusOK, gin.H{"message": "video deleted"})
}

func (h *VideoHandler) respondList(c *gin.Context, list func(context.Context) ([]database.VideoRecord, error)) {
	videos, err := list(c.Request.Context())
	if err != nil {
		verrors.ToGinResponse(c, err)
		return
	}
	if videos == nil {
		videos = []database.VideoRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"videos": videos,
		"count":  len(videos),
	})
}

func bindKey(c *gin.Context, op string) (KeyRequest, bool) {
	var req KeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		verrors.ToGinResponse(c, verrors.ValidationError(op,
			fmt.Errorf("%w: %v", verrors.ErrInvalidInput, err)))
		return req, false
	}
	return req, true
}
