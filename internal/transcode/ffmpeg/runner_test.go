package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	verrors "github.com/mantonx/videory/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockCommandRunner for testing
type MockCommandRunner struct {
	commands [][]string
	outputs  [][]byte
	errors   []error
}

func (m *MockCommandRunner) Run(ctx context.Context, cmd string, args ...string) ([]byte, error) {
	m.commands = append(m.commands, append([]string{cmd}, args...))
	idx := len(m.commands) - 1
	var out []byte
	var err error
	if idx < len(m.outputs) {
		out = m.outputs[idx]
	}
	if idx < len(m.errors) {
		err = m.errors[idx]
	}
	return out, err
}

// helperCommand re-executes the test binary as a fake ffmpeg
func helperCommand(behaviour string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_BEHAVIOUR="+behaviour)
		return cmd
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	output := args[len(args)-1]

	switch os.Getenv("HELPER_BEHAVIOUR") {
	case "ok":
		fmt.Fprint(os.Stderr, "Input #0, mov,mp4, from 'in.mp4':\n")
		fmt.Fprint(os.Stderr, "frame=  150 fps= 30 q=28.0 size=     512kB time=00:00:05.00 bitrate= 838.9kbits/s speed=1.00x\r")
		fmt.Fprint(os.Stderr, "frame=  300 fps= 30 q=28.0 size=    1024kB time=00:00:10.00 bitrate= 838.9kbits/s speed=1.00x\n")
		_ = os.WriteFile(output, []byte("encoded"), 0644)
		os.Exit(0)
	case "fail":
		fmt.Fprintln(os.Stderr, "Unknown encoder 'libnope'")
		os.Exit(1)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

func newTestRunner(behaviour string) *Runner {
	r := NewRunnerWithExecutor("ffmpeg", hclog.NewNullLogger(), &MockCommandRunner{})
	r.command = helperCommand(behaviour)
	return r
}

func TestBuildArgs(t *testing.T) {
	created := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		job      EncodeJob
		contains []string
		excludes []string
	}{
		{
			name: "crf encode",
			job: EncodeJob{
				InputPath: "/in/a.mp4", OutputPath: "/out/a.mp4",
				Codec: "libx264", Preset: "medium", CRF: 22, AudioCodec: "aac",
			},
			contains: []string{"-i /in/a.mp4", "-c:v libx264", "-crf 22", "-preset medium", "-c:a aac", "-movflags +faststart", "-f mp4 /out/a.mp4"},
			excludes: []string{"-b:v", "creation_time"},
		},
		{
			name:     "bitrate when crf unset",
			job:      EncodeJob{InputPath: "a", OutputPath: "b", Codec: "hevc", Bitrate: "4M"},
			contains: []string{"-c:v libx265", "-b:v 4M"},
			excludes: []string{"-crf", "-c:a"},
		},
		{
			name:     "creation time metadata",
			job:      EncodeJob{InputPath: "a", OutputPath: "b", CRF: 18, CreationTime: created},
			contains: []string{"-c:v libx264", "-metadata creation_time=2023-06-01T12:00:00Z"},
		},
	}

	r := NewRunner("ffmpeg", nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := r.BuildArgs(tt.job)
			joined := strings.Join(args, " ")
			for _, want := range tt.contains {
				assert.Contains(t, joined, want)
			}
			for _, unwanted := range tt.excludes {
				assert.NotContains(t, joined, unwanted)
			}
			assert.Equal(t, tt.job.OutputPath, args[len(args)-1], "output path must be last")
		})
	}
}

func TestParseProgressLine(t *testing.T) {
	p, ok := ParseProgressLine("frame= 1234 fps= 59.9 q=28.0 size=    4096kB time=00:01:02.50 bitrate=1234.5kbits/s speed=2.05x")
	require.True(t, ok)
	assert.Equal(t, int64(1234), p.Frame)
	assert.Equal(t, 59.9, p.FPS)
	assert.Equal(t, "4096kB", p.Size)
	assert.Equal(t, time.Minute+2500*time.Millisecond, p.Time)
	assert.Equal(t, "1234.5kbits/s", p.Bitrate)
	assert.Equal(t, 2.05, p.Speed)

	_, ok = ParseProgressLine("Stream #0:0: Video: h264")
	assert.False(t, ok)
}

func TestTranscodeReportsProgress(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.mp4")
	r := newTestRunner("ok")

	var updates []Progress
	err := r.Transcode(context.Background(), EncodeJob{
		InputPath: "in.mp4", OutputPath: out, Codec: "libx264", CRF: 22,
		Duration: 10 * time.Second,
	}, func(p Progress) { updates = append(updates, p) })
	require.NoError(t, err)

	require.Len(t, updates, 2)
	assert.Equal(t, int64(150), updates[0].Frame)
	assert.InDelta(t, 50.0, updates[0].Percent, 0.01)
	assert.InDelta(t, 100.0, updates[1].Percent, 0.01)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "encoded", string(data))
}

func TestTranscodeFailureCarriesStderr(t *testing.T) {
	r := newTestRunner("fail")

	err := r.Transcode(context.Background(), EncodeJob{InputPath: "in.mp4", OutputPath: "out.mp4", Codec: "libnope"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, verrors.ErrEncodeFailure)
	assert.Equal(t, verrors.ErrorTypeTranscode, verrors.GetType(err))
	assert.Contains(t, err.Error(), "Unknown encoder 'libnope'")
}

func TestTranscodeCancelled(t *testing.T) {
	r := newTestRunner("hang")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	err := r.Transcode(ctx, EncodeJob{InputPath: "in.mp4", OutputPath: "out.mp4"}, nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 30*time.Second)
}

func TestExtractFrame(t *testing.T) {
	mock := &MockCommandRunner{outputs: [][]byte{[]byte("\x89PNG")}}
	r := NewRunnerWithExecutor("ffmpeg", nil, mock)

	frame, err := r.ExtractFrame(context.Background(), "/in/a.mp4", 10*time.Second, 640)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), frame)

	require.Len(t, mock.commands, 1)
	joined := strings.Join(mock.commands[0], " ")
	assert.Contains(t, joined, "-ss 10.000 -i /in/a.mp4")
	assert.Contains(t, joined, "-frames:v 1")
	assert.Contains(t, joined, "scale=640:-2")
	assert.True(t, strings.HasSuffix(joined, "pipe:1"))
}

func TestExtractFrameErrors(t *testing.T) {
	mock := &MockCommandRunner{errors: []error{errors.New("boom")}, outputs: [][]byte{nil, {}}}
	r := NewRunnerWithExecutor("ffmpeg", nil, mock)

	_, err := r.ExtractFrame(context.Background(), "a.mp4", 0, 0)
	assert.Error(t, err)

	_, err = r.ExtractFrame(context.Background(), "a.mp4", 0, 0)
	assert.ErrorContains(t, err, "no frame produced")
}

func TestSoftwareFallback(t *testing.T) {
	args := convertToSoftwareFallback([]string{"-c:v", "h264_nvenc", "-c:a", "aac"})
	assert.Equal(t, []string{"-c:v", "libx264", "-c:a", "aac"}, args)

	assert.True(t, isHardwareEncoder("hevc_vaapi"))
	assert.False(t, isHardwareEncoder("libx264"))
	assert.True(t, isHardwareAccelError(errors.New("Cannot load libcuda.so.1")))
}
