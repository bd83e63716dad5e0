package watch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher subscribes to a source root recursively and emits classified
// Actions on Events. Raw Create/Rename pairs are reconstructed into moves by
// an internal Correlator before classification.
type Watcher struct {
	root string
	log  *slog.Logger
	fsw  *fsnotify.Watcher

	Events chan Action
	Errors chan error
}

// New creates a Watcher rooted at root. Call Run to start delivering events.
func New(root string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		root:   root,
		log:    log,
		fsw:    fsw,
		Events: make(chan Action, 64),
		Errors: make(chan error, 16),
	}

	if err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fsw.Add(path)
		}
		return nil
	}); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("add watch paths: %w", err)
	}

	return w, nil
}

// Run consumes fsnotify events until stop is closed or the underlying
// watcher is closed, classifying each into an Action and publishing it on
// Events. It must be run in its own goroutine.
func (w *Watcher) Run(stop <-chan struct{}) {
	raw := make(chan RawEvent, 64)
	corr := NewCorrelator(raw)

	go func() {
		// Close must finish - which blocks until every already-fired
		// correlation timer has completed its send on raw - before raw
		// itself is closed, or a timer racing this shutdown could panic
		// sending on a closed channel.
		defer func() {
			corr.Close()
			close(raw)
		}()
		for {
			select {
			case ev, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				w.dispatch(corr, ev)
			case err, ok := <-w.fsw.Errors:
				if !ok {
					continue
				}
				select {
				case w.Errors <- err:
				default:
					w.log.Error("watcher error dropped, channel full", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()

	for r := range raw {
		action, ok := Classify(w.root, r)
		if !ok {
			continue
		}
		if action.Kind == ActionCreateDir {
			// Watch newly created directories so their contents are seen.
			if abs := filepath.Join(w.root, filepath.FromSlash(action.From)); abs != "" {
				if err := w.fsw.Add(abs); err != nil {
					w.log.Warn("watch new directory", "path", abs, "error", err)
				}
			}
		}
		w.Events <- action
	}
}

func (w *Watcher) dispatch(corr *Correlator, ev fsnotify.Event) {
	isDir := false
	if fi, err := os.Stat(ev.Name); err == nil {
		isDir = fi.IsDir()
	}

	switch {
	case ev.Op&fsnotify.Create != 0:
		corr.Create(ev.Name, isDir)
	case ev.Op&fsnotify.Rename != 0:
		corr.Rename(ev.Name, isDir)
	case ev.Op&fsnotify.Remove != 0:
		corr.out <- RawEvent{Kind: RawDeleted, SrcPath: ev.Name, IsDir: isDir}
	case ev.Op&fsnotify.Write != 0:
		corr.out <- RawEvent{Kind: RawModified, SrcPath: ev.Name, IsDir: isDir}
	}
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
