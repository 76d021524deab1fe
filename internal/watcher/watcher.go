// Package watcher reports documents dropped into a folder so they can be
// uploaded without typing a command.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"rag-chat/internal/logger"
)

// Watcher emits the path of each supported file that is created or
// rewritten in a directory, once the file has stopped changing.
type Watcher struct {
	watcher    *fsnotify.Watcher
	extensions []string
	settle     time.Duration
	log        *zap.Logger
}

// New creates a watcher for files with one of extensions.
func New(extensions []string, log *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		watcher:    w,
		extensions: extensions,
		settle:     500 * time.Millisecond,
		log:        logger.OrNop(log),
	}, nil
}

// Watch starts monitoring dir. The channel is closed when ctx is done or the
// watcher is stopped.
func (w *Watcher) Watch(ctx context.Context, dir string) (<-chan string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch %s: not a directory", dir)
	}
	if err := w.watcher.Add(dir); err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	out := make(chan string, 100)
	go w.loop(ctx, out)
	return out, nil
}

func (w *Watcher) loop(ctx context.Context, out chan<- string) {
	defer close(out)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isWatchedFile(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				pending[event.Name] = time.Now()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				delete(pending, event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < w.settle {
					continue
				}
				delete(pending, path)
				select {
				case out <- path:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// isWatchedFile checks the extension and skips hidden and temporary files.
func (w *Watcher) isWatchedFile(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range w.extensions {
		if ext == e {
			return true
		}
	}
	return false
}
