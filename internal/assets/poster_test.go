package assets

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chai2010/webp"
	"github.com/mantonx/videory/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	frame  []byte
	err    error
	offset time.Duration
	width  int
}

func (f *fakeExtractor) ExtractFrame(ctx context.Context, input string, offset time.Duration, width int) ([]byte, error) {
	f.offset = offset
	f.width = width
	return f.frame, f.err
}

func testFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPosterWrite(t *testing.T) {
	dir := t.TempDir()
	extractor := &fakeExtractor{frame: testFrame(t, 64, 36)}
	writer := NewPosterWriter(config.AssetConfig{
		Dir: dir, Quality: 80, Width: 64, FrameOffset: 10 * time.Second,
	}, extractor, nil)

	path, err := writer.Write(context.Background(), "/out/holiday.abcd1234.libx264.crf22.medium.mp4", 120)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "holiday.abcd1234.libx264.crf22.medium.webp"), path)
	assert.Equal(t, 10*time.Second, extractor.offset)
	assert.Equal(t, 64, extractor.width)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	cfg, err := webp.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 36, cfg.Height)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestPosterOffsetClampedForShortVideos(t *testing.T) {
	extractor := &fakeExtractor{frame: testFrame(t, 8, 8)}
	writer := NewPosterWriter(config.AssetConfig{
		Dir: t.TempDir(), Quality: 50, FrameOffset: 10 * time.Second,
	}, extractor, nil)

	_, err := writer.Write(context.Background(), "clip.mp4", 4)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, extractor.offset)
}

func TestPosterErrors(t *testing.T) {
	writer := NewPosterWriter(config.AssetConfig{Dir: t.TempDir(), Quality: 80},
		&fakeExtractor{err: errors.New("no frame")}, nil)
	_, err := writer.Write(context.Background(), "a.mp4", 10)
	assert.ErrorContains(t, err, "no frame")

	writer = NewPosterWriter(config.AssetConfig{Dir: t.TempDir(), Quality: 80},
		&fakeExtractor{frame: []byte("garbage")}, nil)
	_, err = writer.Write(context.Background(), "a.mp4", 10)
	assert.ErrorContains(t, err, "failed to decode frame")
}
