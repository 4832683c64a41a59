package keyring

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/margo/sealed-telemetry/shared-lib/logging"
)

// ChangeSource tells a Loader when the key file may have changed.
type ChangeSource interface {
	// Run calls notify for every change until ctx is done.
	Run(ctx context.Context, notify func()) error
}

// FileWatcher watches the directory of a key file and reports creations and writes of that file.
// The directory is watched rather than the file so that atomic replacement by rename is seen.
type FileWatcher struct {
	path string
	log  *zap.SugaredLogger
}

func NewFileWatcher(path string, log *zap.SugaredLogger) *FileWatcher {
	return &FileWatcher{path: filepath.Clean(path), log: logging.OrNop(log)}
}

func (w *FileWatcher) Run(ctx context.Context, notify func()) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			w.log.Warnw("Failed to close key watcher", "error", err)
		}
	}()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.log.Infow("Watching key file", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("key watcher closed unexpectedly")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.log.Debugw("Key file changed", "op", event.Op.String())
				notify()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("key watcher closed unexpectedly")
			}
			w.log.Warnw("Key watcher error", "error", err)
		}
	}
}

// ManualSource is a ChangeSource driven by explicit Notify calls.
type ManualSource struct {
	ch chan struct{}
}

func NewManualSource() *ManualSource {
	return &ManualSource{ch: make(chan struct{}, 1)}
}

// Notify signals a change. Notifications arriving while one is pending are coalesced.
func (s *ManualSource) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *ManualSource) Run(ctx context.Context, notify func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.ch:
			notify()
		}
	}
}
