package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/videory/internal/catalog"
	"github.com/mantonx/videory/internal/config"
	"github.com/mantonx/videory/internal/database"
	verrors "github.com/mantonx/videory/internal/errors"
	"github.com/mantonx/videory/internal/events"
	"github.com/mantonx/videory/internal/fingerprint"
	"github.com/mantonx/videory/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFingerprinter struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
	title string
}

func (f *fakeFingerprinter) Fingerprint(_ context.Context, path string) (*fingerprint.Fingerprint, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	fail := f.fail[filepath.Base(path)]
	f.mu.Unlock()

	if fail {
		return nil, verrors.MetadataError("fingerprint",
			fmt.Errorf("%w: no video stream", verrors.ErrMetadataUnavailable)).WithKey(path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, verrors.FilesystemError("fingerprint", verrors.ErrSourceMissing).WithKey(path)
	}
	fps := 25.0
	return &fingerprint.Fingerprint{
		Hash:      utils.HashFields(filepath.Base(path)),
		Duration:  12.5,
		FrameRate: &fps,
		Title:     f.title,
		Size:      info.Size(),
		Created:   info.ModTime(),
	}, nil
}

func (f *fakeFingerprinter) calledWith(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == path {
			return true
		}
	}
	return false
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count(t events.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func setupTestIndexer(t *testing.T, opts Options) (*Indexer, *catalog.Catalog, *fakeFingerprinter, *recordingPublisher) {
	t.Helper()

	dbCfg := config.DefaultConfig().Database
	dbCfg.DatabasePath = filepath.Join(t.TempDir(), "catalog.db")
	db, err := database.Open(dbCfg, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	cat := catalog.New(db, hclog.NewNullLogger())
	fp := &fakeFingerprinter{fail: map[string]bool{}}
	pub := &recordingPublisher{}

	if opts.Extensions == nil {
		opts.Extensions = []string{".mp4", ".mov"}
	}
	if opts.IgnorePatterns == nil {
		opts.IgnorePatterns = []string{"_.*"}
	}
	ix := NewIndexer(opts, fp, cat, pub, hclog.NewNullLogger())
	ix.readTitle = func(string) string { return "" }
	return ix, cat, fp, pub
}

func writeFile(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("video bytes"), 0644))
	return path
}

func TestAccepts(t *testing.T) {
	ix, _, _, _ := setupTestIndexer(t, Options{})

	tests := []struct {
		path string
		want bool
	}{
		{"/in/a.mp4", true},
		{"/in/A.MOV", true},
		{"/in/a.mkv", false},
		{"/in/noext", false},
		{"/in/.a.mp4", false},
		{"/in/.a.1234.libx264.crf22.medium.partial.mp4", false},
		{"/in/_.draft.mp4", false},
		{"/in/_draft.mp4", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, ix.Accepts(tt.path))
		})
	}
}

func TestIndexFileIsIdempotent(t *testing.T) {
	ix, cat, _, pub := setupTestIndexer(t, Options{})
	path := writeFile(t, filepath.Join(t.TempDir(), "holiday.mp4"))
	ctx := context.Background()

	inserted, err := ix.IndexFile(ctx, path)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = ix.IndexFile(ctx, path)
	require.NoError(t, err)
	assert.False(t, inserted)

	records, err := cat.ListByPath(ctx, path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "holiday", records[0].DisplayName)
	assert.Equal(t, 12.5, records[0].DurationSeconds)
	assert.Equal(t, database.VideoStatePending, records[0].State())
	assert.Equal(t, 1, pub.count(events.EventVideoIndexed))
}

func TestIndexFileMetadataUnavailable(t *testing.T) {
	ix, cat, fp, pub := setupTestIndexer(t, Options{})
	path := writeFile(t, filepath.Join(t.TempDir(), "broken.mp4"))
	fp.fail["broken.mp4"] = true

	inserted, err := ix.IndexFile(context.Background(), path)
	assert.False(t, inserted)
	assert.ErrorIs(t, err, verrors.ErrMetadataUnavailable)

	records, err := cat.ListByPath(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 1, pub.count(events.EventFingerprintFailed))
}

func TestIndexFileSkipsTranscodedOutputs(t *testing.T) {
	ix, cat, fp, _ := setupTestIndexer(t, Options{})
	ctx := context.Background()
	dir := t.TempDir()
	source := writeFile(t, filepath.Join(dir, "a.mp4"))
	output := writeFile(t, filepath.Join(dir, "a.12345678.libx264.crf22.medium.mp4"))

	_, err := ix.IndexFile(ctx, source)
	require.NoError(t, err)
	key := catalog.Key{Hash: utils.HashFields("a.mp4"), Path: source}
	_, err = cat.MarkInProgress(ctx, key, catalog.EncodeSettings{Codec: "libx264"})
	require.NoError(t, err)
	_, err = cat.MarkTranscoded(ctx, key, output, time.Now())
	require.NoError(t, err)

	inserted, err := ix.IndexFile(ctx, output)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.False(t, fp.calledWith(output))
}

func TestDisplayName(t *testing.T) {
	ix, _, _, _ := setupTestIndexer(t, Options{})
	fp := &fingerprint.Fingerprint{}

	assert.Equal(t, "clip", ix.displayName("/in/clip.mp4", fp))

	fp.Title = "Probe Title"
	assert.Equal(t, "Probe Title", ix.displayName("/in/clip.mp4", fp))

	ix.readTitle = func(string) string { return "  Tag Title " }
	assert.Equal(t, "Tag Title", ix.displayName("/in/clip.mp4", fp))
}

func TestCrawl(t *testing.T) {
	ix, cat, fp, _ := setupTestIndexer(t, Options{MaxDepth: 2, Workers: 3})
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "a.mp4"))
	writeFile(t, filepath.Join(root, "b.MOV"))
	writeFile(t, filepath.Join(root, "notes.txt"))
	writeFile(t, filepath.Join(root, ".hidden.mp4"))
	writeFile(t, filepath.Join(root, "_.drafts", "c.mp4"))
	writeFile(t, filepath.Join(root, "sub", "d.mp4"))
	writeFile(t, filepath.Join(root, "sub", "two", "e.mp4"))
	writeFile(t, filepath.Join(root, "sub", "two", "three", "too-deep.mp4"))
	writeFile(t, filepath.Join(root, "bad.mp4"))
	fp.fail["bad.mp4"] = true

	ctx := context.Background()
	stats, err := ix.Crawl(ctx, []string{root})
	require.NoError(t, err)
	assert.Equal(t, CrawlStats{Files: 5, Indexed: 4, Skipped: 1}, stats)

	catStats, err := cat.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), catStats.Total)
	assert.False(t, fp.calledWith(filepath.Join(root, "_.drafts", "c.mp4")))
	assert.False(t, fp.calledWith(filepath.Join(root, "sub", "two", "three", "too-deep.mp4")))

	again, err := ix.Crawl(ctx, []string{root})
	require.NoError(t, err)
	assert.Equal(t, CrawlStats{Files: 5, Existing: 4, Skipped: 1}, again)
}

func TestCrawlMissingRootStillCrawlsOthers(t *testing.T) {
	ix, _, _, _ := setupTestIndexer(t, Options{})
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mp4"))

	stats, err := ix.Crawl(context.Background(), []string{filepath.Join(root, "missing"), root})
	assert.Error(t, err)
	assert.Equal(t, int64(1), stats.Indexed)
}

func TestCrawlCancelled(t *testing.T) {
	ix, _, _, _ := setupTestIndexer(t, Options{})
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.mp4"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ix.Crawl(ctx, []string{root})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemovePath(t *testing.T) {
	ix, cat, _, pub := setupTestIndexer(t, Options{})
	ctx := context.Background()
	path := writeFile(t, filepath.Join(t.TempDir(), "a.mp4"))

	_, err := ix.IndexFile(ctx, path)
	require.NoError(t, err)

	removed, err := ix.RemovePath(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	records, err := cat.ListByPath(ctx, path)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 1, pub.count(events.EventVideoRemoved))

	removed, err = ix.RemovePath(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestDepthOf(t *testing.T) {
	root := filepath.Join("/", "in")
	assert.Equal(t, 0, depthOf(root, root))
	assert.Equal(t, 1, depthOf(root, filepath.Join(root, "a")))
	assert.Equal(t, 3, depthOf(root, filepath.Join(root, "a", "b", "c")))
}
