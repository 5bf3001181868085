// Package fingerprint derives a stable content hash for a video file from
// its container metadata and file times. The hash is the deduplication key
// of the catalog.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	verrors "github.com/mantonx/videory/internal/errors"
	"github.com/mantonx/videory/internal/transcode/ffmpeg"
	"github.com/mantonx/videory/internal/utils"
)

// Fingerprint is the hash plus everything the probe learned along the way
type Fingerprint struct {
	Hash       string
	Duration   float64
	FrameRate  *float64
	FrameCount *int64
	Width      int
	Height     int
	Codec      string
	Title      string
	Size       int64
	Modified   time.Time
	Created    time.Time
}

// Fingerprinter probes files with ffprobe
type Fingerprinter struct {
	ffprobePath string
	runner      ffmpeg.CommandRunner
	logger      hclog.Logger
}

// New creates a fingerprinter. A nil runner executes ffprobe for real.
func New(ffprobePath string, runner ffmpeg.CommandRunner, logger hclog.Logger) *Fingerprinter {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if runner == nil {
		runner = ffmpeg.DefaultCommandRunner{}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Fingerprinter{ffprobePath: ffprobePath, runner: runner, logger: logger}
}

// Fingerprint stats and probes path and hashes the result. Any probe
// problem is reported as ErrMetadataUnavailable.
func (f *Fingerprinter) Fingerprint(ctx context.Context, path string) (*Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, verrors.FilesystemError("fingerprint", verrors.ErrSourceMissing).WithKey(path)
		}
		return nil, verrors.FilesystemError("fingerprint", err).WithKey(path)
	}

	probe, err := f.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	vs := probe.VideoStream()
	if vs == nil {
		return nil, unavailable(path, errors.New("no video stream"))
	}
	duration, ok := probe.Duration()
	if !ok {
		return nil, unavailable(path, errors.New("missing duration"))
	}

	created := birthTime(path, info)
	fp := &Fingerprint{
		Hash:       hashProbe(probe, vs, info.ModTime(), created),
		Duration:   duration,
		FrameRate:  vs.FrameRate(),
		FrameCount: vs.FrameCount(),
		Width:      vs.Width,
		Height:     vs.Height,
		Codec:      vs.CodecName,
		Title:      tag(probe.Format.Tags, "title"),
		Size:       info.Size(),
		Modified:   info.ModTime(),
		Created:    created,
	}

	f.logger.Debug("fingerprinted", "path", path, "hash", utils.TruncateHash(fp.Hash, 12))
	return fp, nil
}

// Probe runs ffprobe and parses its JSON output
func (f *Fingerprinter) Probe(ctx context.Context, path string) (*ProbeOutput, error) {
	out, err := f.runner.Run(ctx, f.ffprobePath, probeArgs(path)...)
	if err != nil {
		return nil, unavailable(path, err)
	}
	probe, err := parseProbe(out)
	if err != nil {
		return nil, unavailable(path, err)
	}
	return probe, nil
}

// hashProbe hashes the fixed, ordered field list. Missing tags hash as
// empty strings.
func hashProbe(p *ProbeOutput, vs *ProbeStream, modified, created time.Time) string {
	return utils.HashFields(
		p.Format.BitRate,
		p.Format.FormatName,
		p.Format.Duration,
		p.Format.Size,
		tag(p.Format.Tags, "encoder"),
		tag(p.Format.Tags, "major_brand"),
		tag(p.Format.Tags, "minor_version"),
		vs.CodecTag,
		vs.PixFmt,
		strconv.FormatInt(vs.StartPts, 10),
		vs.StartTime,
		strconv.Itoa(vs.Width),
		strconv.Itoa(vs.Height),
		vs.NbFrames,
		tag(vs.Tags, "timecode"),
		strconv.FormatInt(modified.UnixMilli(), 10),
		strconv.FormatInt(created.UnixMilli(), 10),
	)
}

func unavailable(path string, cause error) error {
	return verrors.MetadataError("fingerprint",
		fmt.Errorf("%w: %v", verrors.ErrMetadataUnavailable, cause)).WithKey(path)
}
