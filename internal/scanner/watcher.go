package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
)

// pendingEvent is the latest change seen for a path
type pendingEvent struct {
	op   fsnotify.Op
	seen time.Time
}

// Watcher feeds file system changes under the input directories into the
// indexer. A path is handled once it has been quiet for the debounce
// interval, so files still being copied are not probed early.
type Watcher struct {
	indexer  *Indexer
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   hclog.Logger

	mu        sync.Mutex
	onIndexed func()
}

// NewWatcher creates a watcher. Call Add for each root, then Run.
func NewWatcher(indexer *Indexer, debounce time.Duration, logger hclog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Watcher{
		indexer:  indexer,
		watcher:  watcher,
		debounce: debounce,
		logger:   logger,
	}, nil
}

// OnIndexed registers a callback run after a watched file was inserted
func (w *Watcher) OnIndexed(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onIndexed = fn
}

// Add watches root and its subdirectories down to the indexer's depth limit
func (w *Watcher) Add(root string) error {
	root = filepath.Clean(root)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && (w.indexer.skipDir(d.Name()) || depthOf(root, path) > w.indexer.opts.MaxDepth) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Debug("failed to add watch", "path", path, "error", err)
			if path == root {
				return err
			}
		}
		return nil
	})
}

// Run handles events until ctx is cancelled, then closes the watcher
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	pending := make(map[string]pendingEvent)
	w.logger.Info("file watcher started", "debounce", w.debounce)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event, pending)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher error", "error", err)

		case now := <-ticker.C:
			w.flush(ctx, pending, now)

		case <-ctx.Done():
			w.logger.Info("file watcher stopped")
			return nil
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event, pending map[string]pendingEvent) {
	if event.Op == fsnotify.Chmod {
		return
	}

	name := filepath.Base(event.Name)
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if w.indexer.skipDir(name) {
				return
			}
			if err := w.Add(event.Name); err != nil {
				w.logger.Error("failed to watch new directory", "path", event.Name, "error", err)
			}
			pending[event.Name] = pendingEvent{op: event.Op, seen: time.Now()}
			return
		}
	}

	// Removals are kept for any path so records of files that no longer
	// match the filters still go away.
	removal := event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
	if !removal && !w.indexer.Accepts(event.Name) {
		return
	}

	pending[event.Name] = pendingEvent{op: event.Op, seen: time.Now()}
}

// flush handles every path that has been quiet for the debounce interval
func (w *Watcher) flush(ctx context.Context, pending map[string]pendingEvent, now time.Time) {
	for path, ev := range pending {
		if now.Sub(ev.seen) < w.debounce {
			continue
		}
		delete(pending, path)
		w.process(ctx, path, ev.op)
	}
}

func (w *Watcher) process(ctx context.Context, path string, op fsnotify.Op) {
	info, err := os.Stat(path)
	switch {
	case err != nil && os.IsNotExist(err):
		if _, err := w.indexer.RemovePath(ctx, path); err != nil {
			w.logger.Error("failed to remove records", "path", path, "error", err)
		}

	case err != nil:
		w.logger.Warn("cannot stat changed path", "path", path, "op", op.String(), "error", err)

	case info.IsDir():
		// Files copied in with a new directory may predate its watch
		stats, err := w.indexer.Crawl(ctx, []string{path})
		if err != nil {
			w.logger.Error("failed to crawl new directory", "path", path, "error", err)
		}
		if stats.Indexed > 0 {
			w.notifyIndexed()
		}

	case info.Mode().IsRegular():
		inserted, err := w.indexer.IndexFile(ctx, path)
		if err != nil {
			w.logger.Debug("watched file not indexed", "path", path, "error", err)
			return
		}
		if inserted {
			w.notifyIndexed()
		}
	}
}

func (w *Watcher) notifyIndexed() {
	w.mu.Lock()
	fn := w.onIndexed
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}
