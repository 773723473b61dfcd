package rulefile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a reload fires.
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-runs a reload callback when rule files in a directory change.
// Bursts of events within the debounce interval collapse into one reload.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		logger:   logger.With("component", "rule_watcher", "dir", dir),
	}
}

// Watch blocks until ctx is done, calling reload after each settled burst
// of changes to rule files. Reload errors are logged and watching
// continues. Reloads never overlap.
func (w *Watcher) Watch(ctx context.Context, reload func(context.Context) error) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Info("rule watcher started", "debounce_ms", w.debounce.Milliseconds())

	var (
		mu      sync.Mutex
		running sync.WaitGroup
		timer   *time.Timer
	)
	fire := func() {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := reload(ctx); err != nil {
			w.logger.Error("rule reload failed", "error", err)
			return
		}
		w.logger.Info("rules reloaded")
	}
	defer func() {
		if timer != nil && timer.Stop() {
			running.Done()
		}
		running.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("rule watcher stopped")
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !relevant(event) {
				continue
			}
			w.logger.Debug("rule file event", "path", event.Name, "op", event.Op.String())

			if timer != nil && timer.Stop() {
				running.Done()
			}
			running.Add(1)
			timer = time.AfterFunc(w.debounce, func() {
				defer running.Done()
				fire()
			})

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("rule watcher error", "error", err)
		}
	}
}

// relevant drops chmod-only events and files that are not rule files.
func relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	return isRuleFile(filepath.Base(event.Name))
}
