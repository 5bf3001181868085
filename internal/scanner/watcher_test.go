package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherIndexesAndRemoves(t *testing.T) {
	ix, cat, fp, _ := setupTestIndexer(t, Options{})
	root := t.TempDir()

	w, err := NewWatcher(ix, 50*time.Millisecond, hclog.NewNullLogger())
	require.NoError(t, err)
	require.NoError(t, w.Add(root))

	var notified atomic.Int32
	w.OnIndexed(func() { notified.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	ctxBg := context.Background()
	path := writeFile(t, filepath.Join(root, "new.mp4"))
	partial := writeFile(t, filepath.Join(root, ".new.1234.libx264.crf22.medium.partial.mp4"))

	require.Eventually(t, func() bool {
		records, err := cat.ListByPath(ctxBg, path)
		return err == nil && len(records) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, notified.Load(), int32(1))

	// Files in directories created after Add are picked up too
	nested := writeFile(t, filepath.Join(root, "later", "nested.mov"))
	require.Eventually(t, func() bool {
		records, err := cat.ListByPath(ctxBg, nested)
		return err == nil && len(records) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		records, err := cat.ListByPath(ctxBg, path)
		return err == nil && len(records) == 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.False(t, fp.calledWith(partial), "hidden partial outputs are never probed")
}

func TestWatcherStopsOnCancel(t *testing.T) {
	ix, _, _, _ := setupTestIndexer(t, Options{})
	w, err := NewWatcher(ix, time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, w.Add(t.TempDir()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherAddMissingRoot(t *testing.T) {
	ix, _, _, _ := setupTestIndexer(t, Options{})
	w, err := NewWatcher(ix, time.Second, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.watcher.Close() })

	assert.Error(t, w.Add(filepath.Join(t.TempDir(), "missing")))
}
