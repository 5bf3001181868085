// Package assets renders poster images for transcoded videos.
package assets

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/chai2010/webp"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/videory/internal/config"
	verrors "github.com/mantonx/videory/internal/errors"
	"github.com/mantonx/videory/internal/utils"
)

// FrameExtractor grabs a still frame from a video as PNG or JPEG bytes
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, input string, offset time.Duration, width int) ([]byte, error)
}

// PosterWriter stores one WebP poster per transcoded output
type PosterWriter struct {
	extractor FrameExtractor
	dir       string
	quality   int
	width     int
	offset    time.Duration
	logger    hclog.Logger
}

// NewPosterWriter creates a poster writer from the asset configuration
func NewPosterWriter(cfg config.AssetConfig, extractor FrameExtractor, logger hclog.Logger) *PosterWriter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &PosterWriter{
		extractor: extractor,
		dir:       cfg.Dir,
		quality:   cfg.Quality,
		width:     cfg.Width,
		offset:    cfg.FrameOffset,
		logger:    logger,
	}
}

// Path returns where the poster for a video output is stored
func (p *PosterWriter) Path(outputPath string) string {
	return filepath.Join(p.dir, utils.StemOf(outputPath)+".webp")
}

// Write extracts a frame from videoPath and stores it as WebP. The frame
// offset is clamped to the middle of short videos.
func (p *PosterWriter) Write(ctx context.Context, videoPath string, durationSeconds float64) (string, error) {
	offset := p.offset
	if half := time.Duration(durationSeconds * float64(time.Second) / 2); durationSeconds > 0 && offset > half {
		offset = half
	}

	frame, err := p.extractor.ExtractFrame(ctx, videoPath, offset, p.width)
	if err != nil {
		return "", err
	}

	data, err := EncodeWebP(frame, p.quality)
	if err != nil {
		return "", verrors.FilesystemError("write_poster", err).WithKey(videoPath)
	}

	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return "", verrors.FilesystemError("write_poster", err).WithKey(p.dir)
	}

	dest := p.Path(videoPath)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", verrors.FilesystemError("write_poster", err).WithKey(dest)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", verrors.FilesystemError("write_poster", err).WithKey(dest)
	}

	p.logger.Debug("poster written", "path", dest, "bytes", len(data))
	return dest, nil
}

// EncodeWebP decodes a PNG or JPEG frame and re-encodes it as lossy WebP
func EncodeWebP(frame []byte, quality int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return nil, fmt.Errorf("failed to encode as WebP: %w", err)
	}
	return buf.Bytes(), nil
}
