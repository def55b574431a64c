// Package watch re-triggers correlation runs when the raster buffer or the
// catalog listings change on disk.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"precorsia/internal/fsutil"
)

const defaultDebounce = 2 * time.Second

// Event is one relevant file change.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // created, modified, deleted, renamed
	Time      time.Time `json:"time"`
}

// Watcher batches file changes in a set of directories.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      *slog.Logger
}

// New creates a watcher over dirs. A debounce of zero uses two seconds.
func New(dirs []string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, err
		}
		logger.Info("watching directory", "dir", dir)
	}
	return &Watcher{watcher: w, debounce: debounce, log: logger}, nil
}

// Close stops the underlying notifier.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Run calls fn with each batch of changes once the directories have been quiet
// for the debounce interval. Changes that happen while fn runs are dropped,
// which includes rasters rewritten by the run itself. Run returns when ctx is
// done or the notifier closes.
func (w *Watcher) Run(ctx context.Context, fn func(context.Context, []Event) error) error {
	var pending []Event
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			e, keep := convert(ev)
			if !keep {
				continue
			}
			pending = append(pending, e)
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := pending
			pending = nil
			w.log.Info("changes detected", "events", len(batch))
			if err := fn(ctx, batch); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.log.Error("watch callback failed", "error", err)
			}
			w.drain()
		}
	}
}

func (w *Watcher) drain() {
	dropped := 0
	for {
		select {
		case _, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			dropped++
		default:
			if dropped > 0 {
				w.log.Debug("dropped changes made during run", "events", dropped)
			}
			return
		}
	}
}

func convert(ev fsnotify.Event) (Event, bool) {
	var op string
	switch {
	case ev.Op&fsnotify.Create == fsnotify.Create:
		op = "created"
	case ev.Op&fsnotify.Write == fsnotify.Write:
		op = "modified"
	case ev.Op&fsnotify.Remove == fsnotify.Remove:
		op = "deleted"
	case ev.Op&fsnotify.Rename == fsnotify.Rename:
		op = "renamed"
	default:
		return Event{}, false
	}
	if !Relevant(ev.Name) {
		return Event{}, false
	}
	return Event{Path: ev.Name, Operation: op, Time: time.Now()}, true
}

// Relevant reports whether a path is a raster or a catalog listing.
func Relevant(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return fsutil.IsRasterFile(base) || fsutil.IsListingFile(base)
}
