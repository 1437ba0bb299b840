package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/parser"
)

// Watcher drives the incremental pipeline reactively from file-system
// events. Bursts of writes to the same file are debounced into one
// re-index. Shutdown is cooperative: an in-progress file completes
// before Run returns.
type Watcher struct {
	ix       *Incremental
	root     string
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher over root for the given indexer.
func NewWatcher(ix *Incremental, root string, debounce time.Duration) *Watcher {
	return &Watcher{
		ix:       ix,
		root:     root,
		debounce: debounce,
		logger:   ix.logger.Named("watch"),
		pending:  make(map[string]*time.Timer),
	}
}

// Run watches until ctx is canceled. Events funnel into a work channel;
// the single worker goroutine serializes per-file indexing so the
// in-memory hash state never races.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the root and every non-ignored subdirectory.
	if err := w.addRecursive(fsw, w.root); err != nil {
		return err
	}

	work := make(chan string, 256)
	removed := make(chan string, 256)

	// The worker exits through this derived context, which covers the
	// rare case of the event stream closing without a caller cancel.
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case relPath := <-work:
				if _, _, err := w.ix.indexFile(ctx, w.root, relPath); err != nil {
					w.logger.Warn("watch re-index failed", zap.String("file", relPath), zap.Error(err))
				}
			case relPath := <-removed:
				if err := w.ix.RemoveFile(ctx, relPath); err != nil {
					w.logger.Warn("watch remove failed", zap.String("file", relPath), zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := w.ix.loadState(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			// Debounce timers racing shutdown bail out on ctx.Done, so
			// the work channel is never closed; the worker exits via
			// the same signal.
			w.cancelPending()
			wg.Wait()
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				stop()
				w.cancelPending()
				wg.Wait()
				return nil
			}
			w.handleEvent(ctx, fsw, event, work, removed)

		case err, ok := <-fsw.Errors:
			if !ok {
				continue
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, event fsnotify.Event, work chan<- string, removed chan<- string) {
	relPath, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}

	// New directories join the watch; ignored ones do not.
	if event.Op.Has(fsnotify.Create) {
		if info, serr := os.Stat(event.Name); serr == nil && info.IsDir() {
			if !defaultSkipDirs[filepath.Base(event.Name)] {
				_ = w.addRecursive(fsw, event.Name)
			}
			return
		}
	}

	if _, supported := parser.LanguageForPath(relPath); !supported {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		select {
		case removed <- relPath:
		case <-ctx.Done():
		}

	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		// Debounce: reset the per-file timer so a burst of writes
		// coalesces into one re-index after the quiet interval.
		w.mu.Lock()
		if t, ok := w.pending[relPath]; ok {
			t.Stop()
		}
		w.pending[relPath] = time.AfterFunc(w.debounce, func() {
			w.mu.Lock()
			delete(w.pending, relPath)
			w.mu.Unlock()
			select {
			case work <- relPath:
			case <-ctx.Done():
			}
		})
		w.mu.Unlock()
	}
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = make(map[string]*time.Timer)
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && defaultSkipDirs[d.Name()] {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}
