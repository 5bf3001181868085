// Package catalog is the durable record of every known video and its
// processing state. All mutation of video records goes through it.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/videory/internal/database"
	verrors "github.com/mantonx/videory/internal/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultBatchSize bounds ListPending when no limit is given
const DefaultBatchSize = 4

const lockStripes = 64

// Key identifies a record
type Key struct {
	Hash string
	Path string
}

func (k Key) String() string {
	return database.RecordKey(k.Hash, k.Path)
}

// KeyOf returns the key of a record
func KeyOf(v *database.VideoRecord) Key {
	return Key{Hash: v.ContentHash, Path: v.SourcePath}
}

// NewVideo is what the indexing pass knows about a file on first sighting
type NewVideo struct {
	Hash       string
	Path       string
	Name       string
	Created    time.Time
	Duration   float64
	FrameRate  *float64
	FrameCount *int64
}

// EncodeSettings are recorded on a record when its job starts
type EncodeSettings struct {
	Codec   string
	Preset  string
	CRF     int
	Bitrate string
}

// Stats counts records per state
type Stats struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Transcoded int64 `json:"transcoded"`
	Failed     int64 `json:"failed"`
}

// Catalog is the gorm-backed video catalog. Every read-modify-write runs in
// a transaction while holding the key's lock stripe.
type Catalog struct {
	db     *gorm.DB
	logger hclog.Logger
	locks  [lockStripes]sync.Mutex
	now    func() time.Time
}

// New creates a catalog over an already migrated database
func New(db *gorm.DB, logger hclog.Logger) *Catalog {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Catalog{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (c *Catalog) lock(k Key) func() {
	h := fnv.New32a()
	h.Write([]byte(k.Hash))
	h.Write([]byte{0})
	h.Write([]byte(k.Path))
	mu := &c.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func requireKey(op string, k Key) error {
	if strings.TrimSpace(k.Hash) == "" || strings.TrimSpace(k.Path) == "" {
		return verrors.ValidationError(op, verrors.ErrInvalidInput).
			WithDetail("reason", "content hash and source path are required")
	}
	return nil
}

// InsertIfAbsent creates a pending record for the pair unless one exists.
// It reports whether a row was created.
func (c *Catalog) InsertIfAbsent(ctx context.Context, v NewVideo) (bool, error) {
	key := Key{Hash: v.Hash, Path: v.Path}
	if err := requireKey("insert", key); err != nil {
		return false, err
	}

	unlock := c.lock(key)
	defer unlock()

	rec := &database.VideoRecord{
		ContentHash:     v.Hash,
		SourcePath:      v.Path,
		DisplayName:     v.Name,
		SourceCreatedAt: v.Created,
		DurationSeconds: v.Duration,
		FrameRate:       v.FrameRate,
		FrameCount:      v.FrameCount,
		IndexedAt:       c.now(),
	}

	result := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "content_hash"}, {Name: "source_path"}},
			DoNothing: true,
		}).
		Create(rec)
	if result.Error != nil {
		return false, verrors.CatalogError("insert", result.Error).WithKey(key.String())
	}

	inserted := result.RowsAffected > 0
	if inserted {
		c.logger.Debug("video indexed", "key", key.String())
	}
	return inserted, nil
}

// Get returns the record for the pair
func (c *Catalog) Get(ctx context.Context, hash, path string) (*database.VideoRecord, error) {
	key := Key{Hash: hash, Path: path}
	var rec database.VideoRecord
	if err := c.db.WithContext(ctx).Where("content_hash = ? AND source_path = ?", hash, path).
		First(&rec).Error; err != nil {
		return nil, c.wrapLookup("get", key, err)
	}
	return &rec, nil
}

// Update replaces every field of the row matching the record's pair
func (c *Catalog) Update(ctx context.Context, rec *database.VideoRecord) error {
	key := KeyOf(rec)
	if err := requireKey("update", key); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	unlock := c.lock(key)
	defer unlock()

	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing database.VideoRecord
		if err := tx.Where("content_hash = ? AND source_path = ?", key.Hash, key.Path).
			First(&existing).Error; err != nil {
			return c.wrapLookup("update", key, err)
		}

		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		if err := tx.Save(rec).Error; err != nil {
			return verrors.CatalogError("update", err).WithKey(key.String())
		}
		return nil
	})
}

// Delete removes the record for the pair. Deleting a missing record is not an error.
func (c *Catalog) Delete(ctx context.Context, hash, path string) error {
	key := Key{Hash: hash, Path: path}
	if err := requireKey("delete", key); err != nil {
		return err
	}

	unlock := c.lock(key)
	defer unlock()

	err := c.db.WithContext(ctx).
		Where("content_hash = ? AND source_path = ?", hash, path).
		Delete(&database.VideoRecord{}).Error
	if err != nil {
		return verrors.CatalogError("delete", err).WithKey(key.String())
	}
	return nil
}

// ListPending returns up to limit pending records, oldest first. Failed
// records are not pending and never come back here on their own.
func (c *Catalog) ListPending(ctx context.Context, limit int) ([]database.VideoRecord, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	var records []database.VideoRecord
	err := c.db.WithContext(ctx).
		Where("is_transcoding = ? AND transcoded_path IS NULL AND failure_reason IS NULL", false).
		Order("indexed_at ASC, id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, verrors.CatalogError("list_pending", err)
	}
	return records, nil
}

// ListStalled returns records left in progress
func (c *Catalog) ListStalled(ctx context.Context) ([]database.VideoRecord, error) {
	return c.list(ctx, "list_stalled", "indexed_at ASC, id ASC",
		"is_transcoding = ? AND transcoded_path IS NULL", true)
}

// ListTranscoded returns finished records, most recent first
func (c *Catalog) ListTranscoded(ctx context.Context) ([]database.VideoRecord, error) {
	return c.list(ctx, "list_transcoded", "transcoded_at DESC, id DESC", "transcoded_path IS NOT NULL")
}

// ListFailed returns records whose encode failed
func (c *Catalog) ListFailed(ctx context.Context) ([]database.VideoRecord, error) {
	return c.list(ctx, "list_failed", "updated_at DESC, id DESC", "failure_reason IS NOT NULL")
}

// ListByPath returns every record for a source path
func (c *Catalog) ListByPath(ctx context.Context, path string) ([]database.VideoRecord, error) {
	return c.list(ctx, "list_by_path", "id ASC", "source_path = ?", path)
}

// HasOutput reports whether path is the transcoded output of some record
func (c *Catalog) HasOutput(ctx context.Context, path string) (bool, error) {
	var count int64
	err := c.db.WithContext(ctx).Model(&database.VideoRecord{}).
		Where("transcoded_path = ?", path).
		Count(&count).Error
	if err != nil {
		return false, verrors.CatalogError("has_output", err).WithKey(path)
	}
	return count > 0, nil
}

func (c *Catalog) list(ctx context.Context, op, order string, query interface{}, args ...interface{}) ([]database.VideoRecord, error) {
	var records []database.VideoRecord
	if err := c.db.WithContext(ctx).Where(query, args...).Order(order).Find(&records).Error; err != nil {
		return nil, verrors.CatalogError(op, err)
	}
	return records, nil
}

// MarkInProgress moves a pending record into progress with the given settings
func (c *Catalog) MarkInProgress(ctx context.Context, key Key, settings EncodeSettings) (*database.VideoRecord, error) {
	return c.transition(ctx, "mark_in_progress", key, func(rec *database.VideoRecord) error {
		if err := expectState(rec, database.VideoStatePending); err != nil {
			return err
		}
		crf := settings.CRF
		rec.IsTranscoding = true
		rec.Codec = settings.Codec
		rec.Preset = settings.Preset
		rec.CRF = &crf
		rec.Bitrate = settings.Bitrate
		return nil
	})
}

// MarkTranscoded records the finished output of an in-progress record
func (c *Catalog) MarkTranscoded(ctx context.Context, key Key, outputPath string, at time.Time) (*database.VideoRecord, error) {
	if outputPath == "" {
		return nil, verrors.ValidationError("mark_transcoded", verrors.ErrInvalidInput).WithKey(key.String())
	}
	return c.transition(ctx, "mark_transcoded", key, func(rec *database.VideoRecord) error {
		if err := expectState(rec, database.VideoStateInProgress); err != nil {
			return err
		}
		at := at.UTC()
		rec.IsTranscoding = false
		rec.TranscodedPath = &outputPath
		rec.TranscodedAt = &at
		rec.FailureReason = nil
		return nil
	})
}

// MarkFailed records why an in-progress record's encode failed
func (c *Catalog) MarkFailed(ctx context.Context, key Key, reason string) (*database.VideoRecord, error) {
	if reason == "" {
		reason = "unknown error"
	}
	return c.transition(ctx, "mark_failed", key, func(rec *database.VideoRecord) error {
		if err := expectState(rec, database.VideoStateInProgress); err != nil {
			return err
		}
		rec.IsTranscoding = false
		rec.FailureReason = &reason
		return nil
	})
}

// ResetToPending returns an interrupted record to the queue. A record that
// is already pending is left alone.
func (c *Catalog) ResetToPending(ctx context.Context, key Key) (*database.VideoRecord, error) {
	return c.transition(ctx, "reset_to_pending", key, func(rec *database.VideoRecord) error {
		if rec.State() == database.VideoStatePending {
			return nil
		}
		if err := expectState(rec, database.VideoStateInProgress); err != nil {
			return err
		}
		rec.IsTranscoding = false
		return nil
	})
}

// Requeue clears the failure of a failed record so it is picked up again
func (c *Catalog) Requeue(ctx context.Context, key Key) (*database.VideoRecord, error) {
	return c.transition(ctx, "requeue", key, func(rec *database.VideoRecord) error {
		if err := expectState(rec, database.VideoStateFailed); err != nil {
			return err
		}
		rec.FailureReason = nil
		return nil
	})
}

// RecoverStalled flips every in-progress record back to pending and
// reports how many were touched. No other column changes.
func (c *Catalog) RecoverStalled(ctx context.Context) (int64, error) {
	result := c.db.WithContext(ctx).
		Model(&database.VideoRecord{}).
		Where("is_transcoding = ? AND transcoded_path IS NULL", true).
		UpdateColumn("is_transcoding", false)
	if result.Error != nil {
		return 0, verrors.CatalogError("recover_stalled", result.Error)
	}
	if result.RowsAffected > 0 {
		c.logger.Info("recovered stalled records", "count", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// Stats counts records per state
func (c *Catalog) Stats(ctx context.Context) (*Stats, error) {
	db := c.db.WithContext(ctx).Model(&database.VideoRecord{})
	stats := &Stats{}

	counts := []struct {
		dest  *int64
		query string
		args  []interface{}
	}{
		{&stats.Pending, "is_transcoding = ? AND transcoded_path IS NULL AND failure_reason IS NULL", []interface{}{false}},
		{&stats.InProgress, "is_transcoding = ?", []interface{}{true}},
		{&stats.Transcoded, "is_transcoding = ? AND transcoded_path IS NOT NULL", []interface{}{false}},
		{&stats.Failed, "is_transcoding = ? AND transcoded_path IS NULL AND failure_reason IS NOT NULL", []interface{}{false}},
	}

	if err := db.Session(&gorm.Session{}).Count(&stats.Total).Error; err != nil {
		return nil, verrors.CatalogError("stats", err)
	}
	for _, q := range counts {
		if err := db.Session(&gorm.Session{}).Where(q.query, q.args...).Count(q.dest).Error; err != nil {
			return nil, verrors.CatalogError("stats", err)
		}
	}
	return stats, nil
}

// transition loads the record, applies fn and saves it in one transaction
// under the key's lock.
func (c *Catalog) transition(ctx context.Context, op string, key Key, fn func(*database.VideoRecord) error) (*database.VideoRecord, error) {
	if err := requireKey(op, key); err != nil {
		return nil, err
	}

	unlock := c.lock(key)
	defer unlock()

	var rec database.VideoRecord
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("content_hash = ? AND source_path = ?", key.Hash, key.Path).
			First(&rec).Error; err != nil {
			return c.wrapLookup(op, key, err)
		}

		if err := fn(&rec); err != nil {
			return verrors.CatalogError(op, err).WithKey(key.String())
		}
		if err := rec.Validate(); err != nil {
			return err
		}

		if err := tx.Save(&rec).Error; err != nil {
			return verrors.CatalogError(op, err).WithKey(key.String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("record transition", "op", op, "key", key.String(), "state", rec.State())
	return &rec, nil
}

func (c *Catalog) wrapLookup(op string, key Key, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return verrors.CatalogError(op, verrors.ErrNotFound).WithKey(key.String())
	}
	return verrors.CatalogError(op, err).WithKey(key.String())
}

func expectState(rec *database.VideoRecord, want database.VideoState) error {
	if got := rec.State(); got != want {
		return fmt.Errorf("%w: record is %s, expected %s", verrors.ErrInvalidTransition, got, want)
	}
	return nil
}
