package configx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads one JSON-encoded EngineConfigSpec layer fragment from
// disk (a domain rate/strategy-seed override file, per SPEC_FULL's
// "hot-reloads domain-specific strategy seeds and rate-limit overrides"),
// grounded on the teacher's HotReloadSystem file-watch loop.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	closed  bool
}

// NewWatcher opens an fsnotify watch on path's containing directory (fsnotify
// watches directories more reliably than bare files across editors that
// replace-on-save rather than write-in-place).
func NewWatcher(path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("configx: create file watcher: %w", err)
	}
	dir := dirOf(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("configx: watch %s: %w", dir, err)
	}
	return &Watcher{path: path, watcher: w}, nil
}

// Watch loads path once immediately, then emits a freshly decoded spec
// every time the file is written, until ctx is cancelled or Close is called.
func (w *Watcher) Watch(ctx context.Context) (<-chan *EngineConfigSpec, <-chan error) {
	specs := make(chan *EngineConfigSpec, 1)
	errs := make(chan error, 1)

	if spec, err := loadSpecFile(w.path); err != nil {
		errs <- err
	} else {
		specs <- spec
	}

	go func() {
		defer close(specs)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Name != w.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				spec, err := loadSpecFile(w.path)
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					continue
				}
				select {
				case specs <- spec:
				default:
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				select {
				case errs <- err:
				default:
				}
			}
		}
	}()

	return specs, errs
}

// Close stops the underlying fsnotify watch. Idempotent.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.watcher.Close()
}

func loadSpecFile(path string) (*EngineConfigSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configx: read %s: %w", path, err)
	}
	var spec EngineConfigSpec
	if err := json.Unmarshal(b, &spec); err != nil {
		return nil, fmt.Errorf("configx: decode %s: %w", path, err)
	}
	if err := ValidateSpec(&spec); err != nil {
		return nil, fmt.Errorf("configx: validate %s: %w", path, err)
	}
	return &spec, nil
}

func dirOf(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i <= 0 {
		return "."
	}
	return path[:i]
}
