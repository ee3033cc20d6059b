package image

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"bmc-flashd/internal/firmware"
	"bmc-flashd/internal/logctx"
	"bmc-flashd/internal/security"
)

// Handler receives every image that appears in the upload directory.
type Handler func(ctx context.Context, rec firmware.Record)

type WatcherOptions struct {
	// DebounceWindow groups bursts of events for the same upload.
	DebounceWindow time.Duration
}

func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{DebounceWindow: 500 * time.Millisecond}
}

// Watcher discovers images in the upload directory. Archives are unpacked into a
// directory of their own; directories holding a MANIFEST are reported to the handler.
type Watcher struct {
	dir      string
	unpacker Unpacker
	handler  Handler
	logger   logrus.FieldLogger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	pending map[string]struct{}
	seen    map[string]struct{}
}

func NewWatcher(logger logrus.FieldLogger, dir string, unpacker Unpacker, handler Handler, opts *WatcherOptions) (*Watcher, error) {
	if opts == nil {
		defaults := DefaultWatcherOptions()
		opts = &defaults
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		dir:      filepath.Clean(dir),
		unpacker: unpacker,
		handler:  handler,
		logger:   logger.WithFields(logrus.Fields{"component": "image-watcher", "dir": dir}),
		debounce: opts.DebounceWindow,
		watcher:  fw,
		pending:  make(map[string]struct{}),
		seen:     make(map[string]struct{}),
	}, nil
}

// Run reports the images already in the directory, then watches it until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	ctx = logctx.WithLogger(ctx, w.logger)

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read upload directory: %w", err)
	}
	for _, e := range entries {
		w.pending[filepath.Join(w.dir, e.Name())] = struct{}{}
	}
	w.flush(ctx)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.note(event)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("watch error")

		case <-timerC:
			timer = nil
			timerC = nil
			w.flush(ctx)
		}
	}
}

func (w *Watcher) note(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	// Files inside an image directory make the directory itself pending.
	if parent := filepath.Dir(path); parent != w.dir {
		path = parent
	}
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if path == filepath.Clean(event.Name) {
			delete(w.seen, path)
		}
	}
	w.pending[path] = struct{}{}
}

func (w *Watcher) flush(ctx context.Context) {
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	clear(w.pending)
	sort.Strings(paths)
	for _, p := range paths {
		w.process(ctx, p)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	logger := w.logger.WithField("path", path)

	switch {
	case info.Mode().IsRegular() && security.IsArchive(path):
		_, err := w.unpacker.Unpack(ctx, path, w.dir)
		switch {
		case err == nil, errors.Is(err, ErrDuplicate):
			if err != nil {
				logger.WithError(err).Warn("discarding duplicate upload")
			}
			if err := os.Remove(path); err != nil {
				logger.WithError(err).Warn("failed to remove unpacked archive")
			}
		default:
			logger.WithError(err).Error("failed to unpack image archive")
		}
		// The unpacked directory is reported when its create event arrives.

	case info.IsDir():
		if _, ok := w.seen[path]; ok {
			return
		}
		manifest, err := ReadManifest(filepath.Join(path, ManifestFile))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// Still being copied in; the MANIFEST write will bring it back.
				if err := w.watcher.Add(path); err != nil {
					logger.WithError(err).Warn("failed to watch image directory")
				}
				return
			}
			logger.WithError(err).Error("ignoring image with unreadable manifest")
			return
		}
		w.seen[path] = struct{}{}
		w.watcher.Remove(path)
		logger.WithFields(logrus.Fields{"version": manifest.Version, "purpose": manifest.Purpose}).Info("image discovered")
		w.handler(ctx, manifest.Record(path))
	}
}
