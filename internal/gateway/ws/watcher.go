package ws

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jkaninda/pymakebot/internal/pipeline"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher publishes script_created events for new programs in a directory.
type Watcher struct {
	dir      string
	pub      pipeline.Publisher
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher over dir. A debounce of 0 selects 200ms.
func NewWatcher(dir string, pub pipeline.Publisher, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{dir: dir, pub: pub, debounce: debounce, logger: logger}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watching generated scripts", slog.String("dir", w.dir))

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !isScript(ev.Name) {
				continue
			}
			// Create and the writes that follow it collapse into one event.
			if _, seen := pending[ev.Name]; !seen || ev.Has(fsnotify.Create) {
				pending[ev.Name] = time.Now()
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("script watcher error", slog.String("error", err.Error()))

		case now := <-ticker.C:
			for path, at := range pending {
				if now.Sub(at) < w.debounce {
					continue
				}
				delete(pending, path)
				w.pub.Publish(pipeline.Event{
					Type:    pipeline.EventScriptCreated,
					Content: filepath.Base(path),
					Time:    now.UTC(),
				})
			}
		}
	}
}

func isScript(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".py") && !strings.HasPrefix(base, ".")
}
