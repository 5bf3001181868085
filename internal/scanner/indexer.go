// Package scanner finds video files on disk and feeds them into the
// catalog, either by crawling directories or by watching them.
package scanner

import (
	"context"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/dhowden/tag"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/videory/internal/catalog"
	"github.com/mantonx/videory/internal/config"
	"github.com/mantonx/videory/internal/database"
	verrors "github.com/mantonx/videory/internal/errors"
	"github.com/mantonx/videory/internal/events"
	"github.com/mantonx/videory/internal/fingerprint"
	"github.com/mantonx/videory/internal/utils"
)

// filepathWalkDir is a variable to allow mocking of filepath.WalkDir in tests.
var filepathWalkDir = filepath.WalkDir

// Fingerprinter hashes a video file
type Fingerprinter interface {
	Fingerprint(ctx context.Context, path string) (*fingerprint.Fingerprint, error)
}

// Store is the part of the catalog the indexer writes to
type Store interface {
	InsertIfAbsent(ctx context.Context, v catalog.NewVideo) (bool, error)
	HasOutput(ctx context.Context, path string) (bool, error)
	ListByPath(ctx context.Context, path string) ([]database.VideoRecord, error)
	Delete(ctx context.Context, hash, path string) error
}

// Options controls which files are indexed
type Options struct {
	Extensions     []string
	IgnorePatterns []string
	MaxDepth       int
	Workers        int
}

// OptionsFrom builds indexer options from the scanner configuration
func OptionsFrom(cfg config.ScannerConfig) Options {
	return Options{
		Extensions:     cfg.Extensions,
		IgnorePatterns: cfg.IgnorePatterns,
		MaxDepth:       cfg.MaxDepth,
		Workers:        cfg.Workers,
	}
}

// CrawlStats counts what a crawl did
type CrawlStats struct {
	Files    int64 `json:"files"`
	Indexed  int64 `json:"indexed"`
	Existing int64 `json:"existing"`
	Skipped  int64 `json:"skipped"`
	Failed   int64 `json:"failed"`
}

// Indexer fingerprints files and inserts them into the catalog. It never
// changes an existing record.
type Indexer struct {
	opts          Options
	fingerprinter Fingerprinter
	store         Store
	publisher     events.Publisher
	logger        hclog.Logger
	readTitle     func(path string) string
}

// NewIndexer creates an indexer. A nil publisher discards events.
func NewIndexer(opts Options, fp Fingerprinter, store Store, publisher events.Publisher, logger hclog.Logger) *Indexer {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 10
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Indexer{
		opts:          opts,
		fingerprinter: fp,
		store:         store,
		publisher:     publisher,
		logger:        logger,
		readTitle:     readTitleTag,
	}
}

// Accepts reports whether a file name passes the extension allow-list and
// the ignore patterns. Dot files are always ignored; partial outputs are
// dot files.
func (ix *Indexer) Accepts(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	if utils.IsIgnored(name, ix.opts.IgnorePatterns) {
		return false
	}
	return utils.HasExtension(name, ix.opts.Extensions)
}

// skipDir reports whether a directory below a crawl root is left out
func (ix *Indexer) skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || utils.IsIgnored(name, ix.opts.IgnorePatterns)
}

// IndexFile fingerprints path and inserts it when the pair is new. It
// reports whether a record was created. Transcoded outputs are skipped.
func (ix *Indexer) IndexFile(ctx context.Context, path string) (bool, error) {
	isOutput, err := ix.store.HasOutput(ctx, path)
	if err != nil {
		return false, err
	}
	if isOutput {
		ix.logger.Debug("skipping transcoded output", "path", path)
		return false, nil
	}

	fp, err := ix.fingerprinter.Fingerprint(ctx, path)
	if err != nil {
		if errors.Is(err, verrors.ErrMetadataUnavailable) {
			ix.logger.Warn("cannot fingerprint file, skipping", "path", path, "error", err)
			ix.publish(ctx, events.New(events.EventFingerprintFailed, "indexer", "", "cannot read video metadata").
				With("path", path).
				With("error", err.Error()))
		}
		return false, err
	}

	inserted, err := ix.store.InsertIfAbsent(ctx, catalog.NewVideo{
		Hash:       fp.Hash,
		Path:       path,
		Name:       ix.displayName(path, fp),
		Created:    fp.Created,
		Duration:   fp.Duration,
		FrameRate:  fp.FrameRate,
		FrameCount: fp.FrameCount,
	})
	if err != nil {
		return false, err
	}

	key := catalog.Key{Hash: fp.Hash, Path: path}
	if !inserted {
		ix.logger.Debug("already indexed", "path", path)
		return false, nil
	}

	sizeMB := math.Round(utils.SizeInMB(fp.Size)*100) / 100
	ix.logger.Info("indexed video", "path", path, "size_mb", sizeMB, "duration", fp.Duration,
		"hash", utils.TruncateHash(fp.Hash, 12))
	ix.publish(ctx, events.New(events.EventVideoIndexed, "indexer", key.String(), "video indexed").
		With("path", path).
		With("size_mb", sizeMB))
	return true, nil
}

// RemovePath deletes every record whose source is path
func (ix *Indexer) RemovePath(ctx context.Context, path string) (int, error) {
	records, err := ix.store.ListByPath(ctx, path)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range records {
		if err := ix.store.Delete(ctx, rec.ContentHash, rec.SourcePath); err != nil {
			return removed, err
		}
		removed++
		ix.publish(ctx, events.New(events.EventVideoRemoved, "indexer", database.RecordKey(rec.ContentHash, rec.SourcePath), "source removed").
			With("path", path))
	}
	if removed > 0 {
		ix.logger.Info("removed records for deleted file", "path", path, "count", removed)
	}
	return removed, nil
}

// Crawl walks every directory and indexes accepted files on a worker pool.
// Per-file failures are counted, not returned.
func (ix *Indexer) Crawl(ctx context.Context, dirs []string) (CrawlStats, error) {
	var stats CrawlStats
	pool := utils.NewWorkerPool(ix.opts.Workers)
	pool.Start()

	var walkErrs []error
	for _, root := range dirs {
		if err := ix.walk(ctx, root, pool, &stats); err != nil {
			if ctx.Err() != nil {
				break
			}
			walkErrs = append(walkErrs, verrors.FilesystemError("crawl", err).WithKey(root))
		}
	}
	pool.Stop()

	if ctx.Err() != nil {
		return stats, ctx.Err()
	}

	ix.logger.Info("crawl complete",
		"dirs", len(dirs),
		"files", stats.Files,
		"indexed", stats.Indexed,
		"existing", stats.Existing,
		"skipped", stats.Skipped,
		"failed", stats.Failed)
	return stats, errors.Join(walkErrs...)
}

func (ix *Indexer) walk(ctx context.Context, root string, pool *utils.WorkerPool, stats *CrawlStats) error {
	root = filepath.Clean(root)
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "crawl", Path: root, Err: errors.New("not a directory")}
	}

	return filepathWalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			ix.logger.Warn("error accessing path", "path", path, "error", err)
			return nil
		}

		if d.IsDir() {
			if path == root {
				return nil
			}
			if ix.skipDir(d.Name()) || depthOf(root, path) > ix.opts.MaxDepth {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() || !ix.Accepts(path) {
			return nil
		}

		atomic.AddInt64(&stats.Files, 1)
		return pool.Submit(ctx, func() {
			inserted, err := ix.IndexFile(ctx, path)
			switch {
			case errors.Is(err, verrors.ErrMetadataUnavailable):
				atomic.AddInt64(&stats.Skipped, 1)
			case err != nil:
				ix.logger.Error("failed to index file", "path", path, "error", err)
				atomic.AddInt64(&stats.Failed, 1)
			case inserted:
				atomic.AddInt64(&stats.Indexed, 1)
			default:
				atomic.AddInt64(&stats.Existing, 1)
			}
		})
	})
}

// displayName prefers the container title tag over the file name
func (ix *Indexer) displayName(path string, fp *fingerprint.Fingerprint) string {
	if title := strings.TrimSpace(ix.readTitle(path)); title != "" {
		return title
	}
	if title := strings.TrimSpace(fp.Title); title != "" {
		return title
	}
	return utils.StemOf(path)
}

func (ix *Indexer) publish(ctx context.Context, ev events.Event) {
	if err := ix.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		ix.logger.Debug("event not published", "type", ev.Type, "error", err)
	}
}

// depthOf counts directory levels of path below root
func depthOf(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

func readTitleTag(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil || m == nil {
		return ""
	}
	return m.Title()
}
