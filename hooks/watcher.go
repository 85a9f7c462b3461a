package hooks

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for changes to settle
const DefaultDebounce = 300 * time.Millisecond

// Watcher reloads a registry when files under its hook roots change
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	debounce time.Duration

	roots   []string
	pending map[string]bool // roots that did not exist yet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the registry's loader roots
func NewWatcher(registry *Registry, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		registry: registry,
		watcher:  fw,
		debounce: debounce,
		pending:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start watches every directory under the hook roots. A root that does not
// exist yet is picked up once it is created: its nearest existing parent is
// watched until then.
func (w *Watcher) Start() error {
	if loader := w.registry.Loader(); loader != nil {
		for _, root := range loader.Roots() {
			if abs, err := filepath.Abs(root); err == nil {
				root = abs
			}
			w.roots = append(w.roots, root)
			watched, err := w.watchRoot(root)
			if err != nil {
				return err
			}
			if !watched {
				w.pending[root] = true
			}
		}
	}
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Close stops watching
func (w *Watcher) Close() error {
	w.cancel()
	w.wg.Wait()
	return w.watcher.Close()
}

// watchRoot watches root, or its nearest existing parent when root is
// missing. It reports whether root itself is watched.
func (w *Watcher) watchRoot(root string) (bool, error) {
	if info, err := os.Stat(root); err == nil && info.IsDir() {
		return true, w.addTree(root)
	}
	dir := root
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return false, nil
		}
		dir = parent
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			if err := w.watcher.Add(dir); err != nil {
				slog.Warn("failed to watch hook root parent", "path", dir, "error", err)
			}
			return false, nil
		}
	}
}

// resolvePending retries the missing roots and reports whether any of them
// appeared
func (w *Watcher) resolvePending() bool {
	appeared := false
	for root := range w.pending {
		watched, err := w.watchRoot(root)
		if err != nil {
			slog.Warn("failed to watch hook root", "path", root, "error", err)
			continue
		}
		if watched {
			delete(w.pending, root)
			appeared = true
		}
	}
	return appeared
}

// underRoot reports whether path is a hook root or lies inside one
func (w *Watcher) underRoot(path string) bool {
	for _, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) addTree(root string) error {
	if _, err := os.Stat(root); err != nil {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				slog.Warn("failed to watch hook directory", "path", path, "error", err)
			}
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			relevant := w.underRoot(event.Name)
			if event.Has(fsnotify.Create) && len(w.pending) > 0 && w.resolvePending() {
				relevant = true
			}
			if !relevant {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.addTree(event.Name)
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("hook watcher error", "error", err)

		case <-timer.C:
			if err := w.registry.Reload(); err != nil {
				slog.Warn("hook reload incomplete", "error", err)
			}
		}
	}
}
