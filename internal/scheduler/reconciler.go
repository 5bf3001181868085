package scheduler

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/videory/internal/catalog"
	"github.com/mantonx/videory/internal/database"
	"github.com/mantonx/videory/internal/events"
	"github.com/mantonx/videory/internal/utils"
)

// RecordDeleter removes catalog records
type RecordDeleter interface {
	Delete(ctx context.Context, hash, path string) error
}

// Reconciler drops catalog records whose source file is gone
type Reconciler struct {
	store     RecordDeleter
	publisher events.Publisher
	logger    hclog.Logger
	exists    func(path string) (bool, error)
}

// NewReconciler creates a reconciler. A nil publisher discards events.
func NewReconciler(store RecordDeleter, publisher events.Publisher, logger hclog.Logger) *Reconciler {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Reconciler{
		store:     store,
		publisher: publisher,
		logger:    logger,
		exists:    utils.FileExists,
	}
}

// Reconcile returns the records whose source still exists and the number
// of records it deleted. Records with a missing source are deleted. A stat
// error other than not-exist keeps the record since absence cannot be
// proven. A record whose delete failed is neither returned nor counted.
func (r *Reconciler) Reconcile(ctx context.Context, batch []database.VideoRecord) ([]database.VideoRecord, int) {
	survivors := make([]database.VideoRecord, 0, len(batch))
	removed := 0

	for _, rec := range batch {
		key := catalog.KeyOf(&rec)

		exists, err := r.exists(rec.SourcePath)
		if err != nil {
			r.logger.Warn("cannot stat source, keeping record", "key", key.String(), "error", err)
			survivors = append(survivors, rec)
			continue
		}
		if exists {
			survivors = append(survivors, rec)
			continue
		}

		r.logger.Warn("source file missing, removing record", "path", rec.SourcePath, "hash", utils.TruncateHash(rec.ContentHash, 12))
		if err := r.store.Delete(ctx, rec.ContentHash, rec.SourcePath); err != nil {
			// Retried on the next tick
			r.logger.Error("failed to remove missing record", "key", key.String(), "error", err)
			continue
		}
		removed++

		ev := events.New(events.EventSourceMissing, "reconciler", key.String(), "source file missing; record removed").
			With("path", rec.SourcePath)
		if err := r.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
			r.logger.Debug("event not published", "type", ev.Type, "error", err)
		}
	}

	return survivors, removed
}
