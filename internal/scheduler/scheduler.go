// Package scheduler drives pending catalog records through the transcode
// state machine: Pending -> InProgress -> Transcoded or Failed.
package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/videory/internal/catalog"
	"github.com/mantonx/videory/internal/config"
	"github.com/mantonx/videory/internal/database"
	verrors "github.com/mantonx/videory/internal/errors"
	"github.com/mantonx/videory/internal/events"
	"github.com/mantonx/videory/internal/transcode/ffmpeg"
	"github.com/mantonx/videory/internal/utils"
)

const maxReasonLength = 500

// Store is the part of the catalog the scheduler works through
type Store interface {
	RecordDeleter
	ListPending(ctx context.Context, limit int) ([]database.VideoRecord, error)
	MarkInProgress(ctx context.Context, key catalog.Key, settings catalog.EncodeSettings) (*database.VideoRecord, error)
	MarkTranscoded(ctx context.Context, key catalog.Key, outputPath string, at time.Time) (*database.VideoRecord, error)
	MarkFailed(ctx context.Context, key catalog.Key, reason string) (*database.VideoRecord, error)
	ResetToPending(ctx context.Context, key catalog.Key) (*database.VideoRecord, error)
	RecoverStalled(ctx context.Context) (int64, error)
}

// Encoder runs one encode. A nil return means the output is complete; no
// progress callback arrives after Transcode returns.
type Encoder interface {
	Transcode(ctx context.Context, job ffmpeg.EncodeJob, onProgress func(ffmpeg.Progress)) error
}

// PosterWriter renders a poster for a finished output
type PosterWriter interface {
	Write(ctx context.Context, videoPath string, durationSeconds float64) (string, error)
}

// Config holds the job loop settings
type Config struct {
	OutputDir          string
	Codec              string
	Preset             string
	CRF                int
	Bitrate            string
	AudioCodec         string
	BatchSize          int
	PollInterval       time.Duration
	AllowVersions      bool
	MaxVersionAttempts int
	MinFreeDiskMB      uint64
}

// ConfigFrom collects scheduler settings from the application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		OutputDir:          cfg.Transcode.OutputDir,
		Codec:              cfg.Transcode.Codec,
		Preset:             cfg.Transcode.Preset,
		CRF:                cfg.Transcode.CRF,
		Bitrate:            cfg.Transcode.Bitrate,
		AudioCodec:         cfg.Transcode.AudioCodec,
		BatchSize:          cfg.Scheduler.BatchSize,
		PollInterval:       cfg.Scheduler.PollInterval,
		AllowVersions:      cfg.Scheduler.AllowVersions,
		MaxVersionAttempts: cfg.Scheduler.MaxVersionAttempts,
		MinFreeDiskMB:      cfg.Scheduler.MinFreeDiskMB,
	}
}

// Deps are the collaborators of a Scheduler. Publisher, Posters and
// FreeSpace are optional.
type Deps struct {
	Store     Store
	Encoder   Encoder
	Publisher events.Publisher
	Posters   PosterWriter
	FreeSpace FreeSpaceFunc
	Logger    hclog.Logger
}

// TickResult summarizes one pass over a batch
type TickResult struct {
	Selected   int
	Missing    int
	Transcoded int
	Skipped    int
	Failed     int
	// Stopped is set when the batch ended early (low disk or shutdown)
	Stopped bool
}

// progressed reports whether the tick moved any record out of Pending
func (r TickResult) progressed() bool {
	return r.Missing+r.Transcoded+r.Skipped+r.Failed > 0
}

type outcome int

const (
	outcomeTranscoded outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeCancelled
	outcomeError
)

// Scheduler selects pending records in bounded batches and encodes them
// one at a time. Only one Scheduler may run against a catalog.
type Scheduler struct {
	cfg        Config
	store      Store
	encoder    Encoder
	publisher  events.Publisher
	posters    PosterWriter
	freeSpace  FreeSpaceFunc
	reconciler *Reconciler
	logger     hclog.Logger
	wake       chan struct{}
	now        func() time.Time
}

// New creates a scheduler
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = catalog.DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxVersionAttempts < 2 {
		cfg.MaxVersionAttempts = 100
	}

	logger := deps.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	freeSpace := deps.FreeSpace
	if freeSpace == nil {
		freeSpace = DiskFree
	}

	return &Scheduler{
		cfg:        cfg,
		store:      deps.Store,
		encoder:    deps.Encoder,
		publisher:  publisher,
		posters:    deps.Posters,
		freeSpace:  freeSpace,
		reconciler: NewReconciler(deps.Store, publisher, logger.Named("reconciler")),
		logger:     logger,
		wake:       make(chan struct{}, 1),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Wake cuts the current poll wait short
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Recover puts every in-progress record back to pending and removes
// partial outputs an interrupted run left behind.
func (s *Scheduler) Recover(ctx context.Context) error {
	n, err := s.store.RecoverStalled(ctx)
	if err != nil {
		return err
	}

	removed, err := removeStrayPartials(s.cfg.OutputDir)
	if err != nil {
		s.logger.Warn("failed to clean partial outputs", "dir", s.cfg.OutputDir, "error", err)
	}

	if n > 0 || removed > 0 {
		s.logger.Info("recovered interrupted jobs", "records", n, "partials_removed", removed)
	}
	s.publish(ctx, events.New(events.EventSchedulerRecovered, "scheduler", "", "startup recovery complete").
		With("records", n).
		With("partials_removed", removed))
	return nil
}

// Run recovers once, then ticks until ctx is cancelled. It waits
// PollInterval (or for Wake) whenever a tick made no progress.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting scheduler",
		"batch_size", s.cfg.BatchSize,
		"poll_interval", s.cfg.PollInterval,
		"output_dir", s.cfg.OutputDir,
		"allow_versions", s.cfg.AllowVersions)

	if err := s.Recover(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		result, err := s.Tick(ctx)
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return nil
		}
		if err != nil {
			s.logger.Error("tick failed", "error", err)
		}
		if err == nil && !result.Stopped && result.progressed() {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.PollInterval)

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// Tick processes one batch of pending records sequentially
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult

	batch, err := s.store.ListPending(ctx, s.cfg.BatchSize)
	if err != nil {
		return result, err
	}
	result.Selected = len(batch)

	if len(batch) == 0 {
		s.logger.Debug("no work")
		s.publish(ctx, events.New(events.EventSchedulerIdle, "scheduler", "", "no pending videos"))
		return result, nil
	}

	survivors, removed := s.reconciler.Reconcile(ctx, batch)
	result.Missing = removed

	for i := range survivors {
		if ctx.Err() != nil {
			result.Stopped = true
			break
		}
		if s.diskLow(ctx) {
			result.Stopped = true
			break
		}

		switch s.process(ctx, &survivors[i]) {
		case outcomeTranscoded:
			result.Transcoded++
		case outcomeSkipped:
			result.Skipped++
		case outcomeFailed:
			result.Failed++
		case outcomeCancelled:
			result.Stopped = true
		}
		if result.Stopped {
			break
		}
	}

	s.logger.Info("batch finished",
		"selected", result.Selected,
		"missing", result.Missing,
		"transcoded", result.Transcoded,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"stopped", result.Stopped)
	return result, nil
}

// process runs one record through the state machine. Errors are handled
// here; they never abort the batch.
func (s *Scheduler) process(ctx context.Context, rec *database.VideoRecord) outcome {
	key := catalog.KeyOf(rec)
	log := s.logger.With("path", rec.SourcePath, "hash", utils.TruncateHash(rec.ContentHash, 12))

	if _, err := s.store.MarkInProgress(ctx, key, catalog.EncodeSettings{
		Codec:   s.cfg.Codec,
		Preset:  s.cfg.Preset,
		CRF:     s.cfg.CRF,
		Bitrate: s.cfg.Bitrate,
	}); err != nil {
		log.Warn("cannot start job", "error", err)
		return outcomeError
	}

	base := filepath.Join(s.cfg.OutputDir, OutputName(rec, s.cfg.Codec, s.cfg.CRF, s.cfg.Preset))
	output, err := resolveOutputPath(base, s.cfg.AllowVersions, s.cfg.MaxVersionAttempts)
	if errors.Is(err, verrors.ErrOutputCollision) {
		log.Info("output already exists, marking transcoded", "output", output)
		if _, err := s.store.MarkTranscoded(ctx, key, output, s.now()); err != nil {
			log.Error("failed to record existing output", "error", err)
			s.release(ctx, key, log)
			return outcomeError
		}
		s.publish(ctx, events.New(events.EventTranscodeSkipped, "scheduler", key.String(), "output already exists").
			With("output", output))
		return outcomeSkipped
	}
	if err != nil {
		return s.fail(ctx, key, log, "", err)
	}

	partial := partialPath(output)
	job := ffmpeg.EncodeJob{
		InputPath:    rec.SourcePath,
		OutputPath:   partial,
		Codec:        s.cfg.Codec,
		Preset:       s.cfg.Preset,
		CRF:          s.cfg.CRF,
		Bitrate:      s.cfg.Bitrate,
		AudioCodec:   s.cfg.AudioCodec,
		Duration:     time.Duration(rec.DurationSeconds * float64(time.Second)),
		CreationTime: rec.SourceCreatedAt,
	}

	log.Info("transcoding", "output", output)
	s.publish(ctx, events.New(events.EventTranscodeStarted, "scheduler", key.String(), "transcode started").
		With("output", output))

	started := time.Now()
	err = s.encoder.Transcode(ctx, job, func(p ffmpeg.Progress) {
		log.Debug("progress", "percent", p.Percent, "frame", p.Frame, "speed", p.Speed)
	})

	// Write-backs below must land even when shutdown started mid-encode
	wctx := context.WithoutCancel(ctx)

	if err != nil && ctx.Err() != nil {
		removePartial(partial, log)
		if _, rerr := s.store.ResetToPending(wctx, key); rerr != nil {
			log.Error("failed to reset interrupted job", "error", rerr)
		}
		log.Info("transcode interrupted, record returned to pending")
		return outcomeCancelled
	}
	if err != nil {
		return s.fail(wctx, key, log, partial, err)
	}

	if err := os.Rename(partial, output); err != nil {
		return s.fail(wctx, key, log, partial, verrors.FilesystemError("rename_output", err).WithKey(output))
	}

	if !rec.SourceCreatedAt.IsZero() {
		if err := utils.SetFileTimes(output, rec.SourceCreatedAt); err != nil {
			log.Warn("failed to set output times", "output", output, "error", err)
		}
	}

	if _, err := s.store.MarkTranscoded(wctx, key, output, s.now()); err != nil {
		// Once pending again the finished output counts as a collision
		log.Error("failed to record transcoded output", "output", output, "error", err)
		s.release(wctx, key, log)
		return outcomeError
	}

	log.Info("transcode complete", "output", output, "elapsed", time.Since(started).Round(time.Millisecond))
	s.publish(wctx, events.New(events.EventTranscodeCompleted, "scheduler", key.String(), "transcode complete").
		With("output", output).
		With("elapsed_ms", time.Since(started).Milliseconds()))

	if s.posters != nil {
		if poster, err := s.posters.Write(wctx, output, rec.DurationSeconds); err != nil {
			log.Warn("poster not written", "error", err)
		} else {
			log.Debug("poster written", "poster", poster)
		}
	}
	return outcomeTranscoded
}

func (s *Scheduler) fail(ctx context.Context, key catalog.Key, log hclog.Logger, partial string, cause error) outcome {
	if partial != "" {
		removePartial(partial, log)
	}

	reason := truncateReason(cause.Error(), maxReasonLength)

	log.Error("transcode failed", "error", cause)
	if _, err := s.store.MarkFailed(ctx, key, reason); err != nil {
		log.Error("failed to record failure", "error", err)
		s.release(ctx, key, log)
		return outcomeError
	}

	ev := events.New(events.EventTranscodeFailed, "scheduler", key.String(), reason)
	if errors.Is(cause, verrors.ErrTooManyCollisions) {
		ev = ev.With("too_many_collisions", true)
	}
	s.publish(ctx, ev)
	return outcomeFailed
}

// release returns a record to pending after a catalog write failed
// mid-job. If that write fails too, startup recovery picks the record up.
func (s *Scheduler) release(ctx context.Context, key catalog.Key, log hclog.Logger) {
	if _, err := s.store.ResetToPending(context.WithoutCancel(ctx), key); err != nil {
		log.Error("failed to return record to pending", "error", err)
	}
}

// truncateReason cuts reason to at most limit bytes without splitting a rune
func truncateReason(reason string, limit int) string {
	if len(reason) <= limit {
		return reason
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

// diskLow reports whether the output volume is below the free space floor.
// An unreadable volume does not stop the batch.
func (s *Scheduler) diskLow(ctx context.Context) bool {
	if s.cfg.MinFreeDiskMB == 0 {
		return false
	}
	free, err := s.freeSpace(ctx, s.cfg.OutputDir)
	if err != nil {
		s.logger.Warn("cannot read free disk space", "dir", s.cfg.OutputDir, "error", err)
		return false
	}

	freeMB := free / (1024 * 1024)
	if freeMB >= s.cfg.MinFreeDiskMB {
		return false
	}

	s.logger.Warn("free disk space below minimum, pausing batch",
		"dir", s.cfg.OutputDir, "free_mb", freeMB, "min_free_mb", s.cfg.MinFreeDiskMB)
	s.publish(ctx, events.New(events.EventSchedulerDiskLow, "scheduler", "", "free disk space below minimum").
		With("free_mb", freeMB).
		With("min_free_mb", s.cfg.MinFreeDiskMB))
	return true
}

func (s *Scheduler) publish(ctx context.Context, ev events.Event) {
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Debug("event not published", "type", ev.Type, "error", err)
	}
}

func removePartial(path string, log hclog.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove partial output", "path", path, "error", err)
	}
}
