package watcher

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ChangeFunc receives the story files that changed during one debounce window
type ChangeFunc func(paths []string)

// Watcher monitors a story directory and reports debounced changes
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	ext      string
	debounce time.Duration
	onChange ChangeFunc
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Paths seen since the last flush.
	pending map[string]struct{}
}

// New creates a watcher for files ending in ext under dir
func New(dir, ext string, debounce time.Duration, onChange ChangeFunc, log zerolog.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		ext:      ext,
		debounce: debounce,
		onChange: onChange,
		log:      log.With().Str("component", "watcher").Logger(),
		pending:  make(map[string]struct{}),
	}
}

// WatchStories creates a watcher for markdown story files
func WatchStories(dir string, debounce time.Duration, onChange ChangeFunc, log zerolog.Logger) *Watcher {
	return New(dir, ".md", debounce, onChange, log)
}

// Start begins watching for file changes
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return err
	}

	w.watcher = fw
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go w.run(fw, w.stopCh, w.doneCh)
	w.log.Debug().Str("dir", w.dir).Msg("watching story directory")
	return nil
}

// Stop stops watching and waits for the event loop to exit
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	done := w.doneCh
	fw := w.watcher
	w.mu.Unlock()

	<-done
	return fw.Close()
}

// IsRunning returns whether the watcher is currently active
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// run is the main event loop
func (w *Watcher) run(fw *fsnotify.Watcher, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	debounceTimer := time.NewTimer(w.debounce)
	debounceTimer.Stop()

	for {
		select {
		case <-stopCh:
			debounceTimer.Stop()
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if !w.isWatchedPath(event.Name) {
				continue
			}
			// Editors often save through rename; removals matter for status.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			w.mu.Lock()
			w.pending[event.Name] = struct{}{}
			w.mu.Unlock()

			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			if paths := w.flush(); len(paths) > 0 && w.onChange != nil {
				w.onChange(paths)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

// flush returns and clears the pending paths in sorted order
func (w *Watcher) flush() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	sort.Strings(paths)
	return paths
}

// isWatchedPath checks the file sits directly in the directory with the right extension
func (w *Watcher) isWatchedPath(path string) bool {
	if !strings.HasSuffix(path, w.ext) || strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	absPath, _ := filepath.Abs(path)
	absDir, _ := filepath.Abs(w.dir)
	return filepath.Dir(absPath) == absDir
}

// StoryID returns the story id encoded in a story file path
func StoryID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
