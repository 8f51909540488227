package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the watcher waits for a burst of events to settle
const DefaultDebounce = 500 * time.Millisecond

// ChangeFunc receives the paths changed during one debounce window
type ChangeFunc func(ctx context.Context, paths []string)

// Watcher reports changes under plugin directories after a quiet period
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	onChange ChangeFunc
	log      *logrus.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// NewWatcher watches each dir and its immediate subdirectories. Missing
// dirs are created.
func NewWatcher(dirs []string, debounce time.Duration, onChange ChangeFunc, log *logrus.Logger) (*Watcher, error) {
	if log == nil {
		log = logrus.New()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		fs:       fsw,
		debounce: debounce,
		onChange: onChange,
		log:      log,
		pending:  make(map[string]struct{}),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := w.add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// add watches dir and the directories directly under it
func (w *Watcher) add(dir string) error {
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		if err := w.fs.Add(sub); err != nil {
			w.log.WithError(err).Warnf("Failed to watch %s", sub)
		}
	}
	return nil
}

// WatchList returns the watched paths
func (w *Watcher) WatchList() []string {
	list := w.fs.WatchList()
	sort.Strings(list)
	return list
}

// Run processes events until ctx is done
func (w *Watcher) Run(ctx context.Context) {
	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := w.fs.Add(event.Name); err != nil {
						w.log.WithError(err).Warnf("Failed to watch new directory %s", event.Name)
					}
				}
			}
			w.queue(ctx, event.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("Watcher error")
		}
	}
}

func (w *Watcher) queue(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.flush(ctx) })
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.timer = nil
	w.mu.Unlock()

	if len(paths) == 0 || ctx.Err() != nil {
		return
	}
	sort.Strings(paths)
	w.log.WithField("paths", len(paths)).Debug("Plugin directories changed")
	if w.onChange != nil {
		w.onChange(ctx, paths)
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Close stops watching
func (w *Watcher) Close() error {
	w.stopTimer()
	return w.fs.Close()
}
