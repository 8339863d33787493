// Package dictwatch reloads user dictionaries when their files change.
package dictwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor produces on save.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc is invoked after a watched file settles.
type ReloadFunc func(ctx context.Context) error

// Watcher watches dictionary files through their parent directories, since
// editors often replace files rather than write them in place.
type Watcher struct {
	files    map[string]struct{}
	reload   ReloadFunc
	debounce time.Duration
	log      *slog.Logger

	fw   *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	reloads int
}

// New watches paths and calls reload once changes have been quiet for
// debounce. A zero debounce uses DefaultDebounce.
func New(paths []string, reload ReloadFunc, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, errors.New("dictwatch: no paths to watch")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		files:    make(map[string]struct{}),
		reload:   reload,
		debounce: debounce,
		log:      log.With(slog.String("component", "dictwatch")),
		fw:       fw,
		done:     make(chan struct{}),
	}
	dirs := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, err
		}
		w.files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		w.log.Info("watching dictionary dir", slog.String("dir", dir))
	}
	return w, nil
}

// Start runs the event loop until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Close stops the watcher and waits for a pending reload to finish.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	err := w.fw.Close()
	w.wg.Wait()
	return err
}

// Reloads reports how many reloads have run.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.log.Debug("dictionary changed", slog.String("file", event.Name), slog.String("op", event.Op.String()))
			timer.Reset(w.debounce)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("fsnotify error", slog.String("error", err.Error()))
		case <-timer.C:
			w.fire(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	_, ok := w.files[abs]
	return ok
}

func (w *Watcher) fire(ctx context.Context) {
	if err := w.reload(ctx); err != nil {
		w.log.Warn("dictionary reload failed", slog.String("error", err.Error()))
		return
	}
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.log.Info("dictionaries reloaded")
}
