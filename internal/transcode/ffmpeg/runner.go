// Package ffmpeg runs the ffmpeg and ffprobe binaries: full encodes with
// progress reporting and one-shot commands such as frame extraction.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	verrors "github.com/mantonx/videory/internal/errors"
)

// stderrTailLines bounds how much ffmpeg output ends up in a failure reason
const stderrTailLines = 5

// CommandRunner interface for command execution (enables mocking in tests)
type CommandRunner interface {
	Run(ctx context.Context, cmd string, args ...string) ([]byte, error)
}

// DefaultCommandRunner implements CommandRunner using os/exec. Only stdout
// is returned; stderr is folded into the error on failure.
type DefaultCommandRunner struct{}

// Run executes a command using os/exec
func (DefaultCommandRunner) Run(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	command := exec.CommandContext(ctx, cmd, args...)
	command.Stderr = &stderr

	out, err := command.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s exited with code %d: %s", cmd, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%s failed: %w", cmd, err)
	}
	return out, nil
}

// EncodeJob describes a single encode
type EncodeJob struct {
	InputPath  string
	OutputPath string
	Codec      string
	Preset     string
	CRF        int
	Bitrate    string // used instead of CRF when CRF is zero
	AudioCodec string
	// Duration of the source, used to turn encoded time into a percentage
	Duration time.Duration
	// CreationTime is written as container metadata when set
	CreationTime time.Time
}

// Runner manages FFmpeg transcoding operations
type Runner struct {
	logger     hclog.Logger
	execer     CommandRunner
	ffmpegPath string
	command    func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewRunner creates a new FFmpeg runner
func NewRunner(ffmpegPath string, logger hclog.Logger) *Runner {
	return NewRunnerWithExecutor(ffmpegPath, logger, DefaultCommandRunner{})
}

// NewRunnerWithExecutor creates a new FFmpeg runner with custom command executor (for testing)
func NewRunnerWithExecutor(ffmpegPath string, logger hclog.Logger, execer CommandRunner) *Runner {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Runner{
		logger:     logger,
		execer:     execer,
		ffmpegPath: ffmpegPath,
		command:    exec.CommandContext,
	}
}

// BuildArgs constructs FFmpeg command arguments for an encode job
func (r *Runner) BuildArgs(job EncodeJob) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", job.InputPath}

	// First video stream, every audio stream when present
	args = append(args, "-map", "0:v:0", "-map", "0:a?")

	args = append(args, "-c:v", videoEncoder(job.Codec))
	if job.CRF > 0 || job.Bitrate == "" {
		args = append(args, "-crf", strconv.Itoa(job.CRF))
	} else {
		args = append(args, "-b:v", job.Bitrate)
	}
	if job.Preset != "" {
		args = append(args, "-preset", job.Preset)
	}

	if job.AudioCodec != "" {
		args = append(args, "-c:a", audioEncoder(job.AudioCodec))
	}

	args = append(args, "-map_metadata", "0")
	if !job.CreationTime.IsZero() {
		args = append(args, "-metadata", "creation_time="+job.CreationTime.UTC().Format(time.RFC3339))
	}

	args = append(args, "-movflags", "+faststart", "-f", "mp4", job.OutputPath)
	return args
}

// Transcode runs one encode. It returns nil when ffmpeg finished cleanly,
// the context error when cancelled, and an ErrEncodeFailure otherwise.
// onProgress is never called after Transcode returns.
func (r *Runner) Transcode(ctx context.Context, job EncodeJob, onProgress func(Progress)) error {
	args := r.BuildArgs(job)
	err := r.runFFmpeg(ctx, args, job.Duration, onProgress)

	// Hardware encoders fail at init on hosts without the device
	if err != nil && ctx.Err() == nil && isHardwareEncoder(job.Codec) && isHardwareAccelError(err) {
		r.logger.Warn("hardware encoder failed, falling back to software", "codec", job.Codec, "error", err)
		err = r.runFFmpeg(ctx, convertToSoftwareFallback(args), job.Duration, onProgress)
	}
	return err
}

func (r *Runner) runFFmpeg(ctx context.Context, args []string, duration time.Duration, onProgress func(Progress)) error {
	r.logger.Debug("executing ffmpeg", "command", r.ffmpegPath, "args", strings.Join(args, " "))

	cmd := r.command(ctx, r.ffmpegPath, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return verrors.TranscodeError("transcode", fmt.Errorf("failed to create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return verrors.TranscodeError("transcode",
			fmt.Errorf("%w: failed to start ffmpeg: %v", verrors.ErrEncodeFailure, err))
	}

	// The pipe must be drained before Wait
	tail := newLineTail(stderrTailLines)
	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanStatusLines)
	for scanner.Scan() {
		line := scanner.Text()
		if p, ok := ParseProgressLine(line); ok {
			if duration > 0 {
				p.Percent = min(100, float64(p.Time)/float64(duration)*100)
			}
			if onProgress != nil {
				onProgress(p)
			}
			continue
		}
		tail.add(line)
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		reason := waitErr.Error()
		if t := tail.String(); t != "" {
			reason = reason + ": " + t
		}
		return verrors.TranscodeError("transcode", fmt.Errorf("%w: %s", verrors.ErrEncodeFailure, reason))
	}
	return nil
}

// ExtractFrame renders a single PNG frame at offset, scaled to width
func (r *Runner) ExtractFrame(ctx context.Context, input string, offset time.Duration, width int) ([]byte, error) {
	args := []string{
		"-hide_banner", "-nostdin", "-v", "error",
		"-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64),
		"-i", input,
		"-frames:v", "1",
	}
	if width > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:-2", width))
	}
	args = append(args, "-f", "image2pipe", "-c:v", "png", "pipe:1")

	out, err := r.execer.Run(ctx, r.ffmpegPath, args...)
	if err != nil {
		return nil, verrors.TranscodeError("extract_frame", err).WithKey(input)
	}
	if len(out) == 0 {
		return nil, verrors.TranscodeError("extract_frame", errors.New("no frame produced")).WithKey(input)
	}
	return out, nil
}

// videoEncoder maps generic codec names to specific encoders
func videoEncoder(codec string) string {
	switch strings.ToLower(codec) {
	case "", "h264", "avc":
		return "libx264"
	case "hevc", "h265":
		return "libx265"
	case "vp9":
		return "libvpx-vp9"
	case "av1":
		return "libaom-av1"
	default:
		return codec
	}
}

// audioEncoder maps generic codec names to specific encoders
func audioEncoder(codec string) string {
	switch codec {
	case "mp3":
		return "libmp3lame"
	case "opus":
		return "libopus"
	case "vorbis":
		return "libvorbis"
	default:
		return codec
	}
}

func isHardwareEncoder(codec string) bool {
	for _, suffix := range []string{"_nvenc", "_vaapi", "_qsv", "_videotoolbox"} {
		if strings.HasSuffix(codec, suffix) {
			return true
		}
	}
	return false
}

// isHardwareAccelError checks if the error is related to hardware acceleration failure
func isHardwareAccelError(err error) bool {
	errorStr := strings.ToLower(err.Error())

	hardwareErrors := []string{
		"function not implemented",
		"no device available",
		"failed to initialize",
		"device creation failed",
		"cannot load",
		"nvenc",
		"vaapi",
		"qsv",
		"videotoolbox",
	}

	for _, pattern := range hardwareErrors {
		if strings.Contains(errorStr, pattern) {
			return true
		}
	}
	return false
}

// convertToSoftwareFallback swaps hardware video encoders for software ones
func convertToSoftwareFallback(args []string) []string {
	fallback := make([]string, len(args))
	copy(fallback, args)

	for i, arg := range fallback {
		switch arg {
		case "h264_nvenc", "h264_vaapi", "h264_qsv", "h264_videotoolbox":
			fallback[i] = "libx264"
		case "hevc_nvenc", "hevc_vaapi", "hevc_qsv", "hevc_videotoolbox":
			fallback[i] = "libx265"
		case "av1_nvenc", "av1_vaapi", "av1_qsv":
			fallback[i] = "libaom-av1"
		}
	}
	return fallback
}
