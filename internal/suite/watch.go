package suite

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/me/cyclecast/internal/broadcast"
)

// reloadDebounce absorbs the burst of events editors emit for one save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the namespace file at path whenever it changes and passes
// the new ancestry to apply. A file that fails to parse is logged and the
// previous ancestry stays in effect. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, logger *slog.Logger, apply func(broadcast.Ancestors)) error {
	logger = logger.With("component", "suite", "path", path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch suite namespaces: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors often replace the file by rename.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		ancestors, err := Load(path)
		if err != nil {
			logger.Error("suite reload failed; keeping previous namespaces", "error", err)
			return
		}
		logger.Info("suite namespaces reloaded", "namespaces", len(ancestors))
		apply(ancestors)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug("suite change detected", "op", ev.Op.String())
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
			timerMu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("suite watch error", "error", err)
		}
	}
}
