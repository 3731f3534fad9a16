package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchStorageRoot is the SPEC_FULL.md §C.2 supplement: it watches
// storageRoot/original recursively for new files and calls ProcessNow on
// the dispatcher whenever one appears, so a host that just dropped a file
// on disk doesn't need an explicit FFI trigger. Directories created under
// the root after startup are added to the watch as they appear. It runs
// until ctx is cancelled or the watcher's channels close (watcher errors
// are logged and the loop continues), and is always additive — it never
// changes the documented control-message transitions, only triggers one
// of them earlier than the next poll tick.
func WatchStorageRoot(ctx context.Context, d *Dispatcher, originalRoot string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addRecursive(w, originalRoot); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, serr := os.Stat(ev.Name); serr == nil && info.IsDir() {
					if aerr := addRecursive(w, ev.Name); aerr != nil {
						logger.Warn("worker: storage root watcher add failed", slog.Any("error", aerr))
					}
				}
			}
			if _, err := d.ProcessNow(ctx); err != nil {
				logger.Warn("worker: storage root watcher ProcessNow failed", slog.Any("error", err))
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("worker: storage root watcher error", slog.Any("error", err))
		}
	}
}

// addRecursive walks root and registers every directory with the watcher;
// fsnotify does not watch subtrees automatically.
func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
