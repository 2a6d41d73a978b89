// Package watcher turns filesystem activity under project directories into
// activity signals for idle reclamation. Events are debounced per project
// so a burst of writes counts once.
package watcher

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"harbor/internal/logging"
)

const defaultDebounce = 500 * time.Millisecond

var ErrNotWatched = errors.New("project path is not watched")

// ActivityFunc receives the project path that saw filesystem activity.
type ActivityFunc func(projectPath string)

type Options struct {
	Debounce time.Duration
	Logger   *logging.Logger
	OnActive ActivityFunc
}

type Watcher struct {
	watcher   *fsnotify.Watcher
	logger    *logging.Logger
	onActive  ActivityFunc
	debounce  time.Duration

	mutex   sync.Mutex
	roots   map[string]bool
	pending map[string]*time.Timer
	closed  bool

	done chan struct{}
}

func New(options Options) (*Watcher, error) {
	if options.OnActive == nil {
		return nil, errors.New("watcher requires an activity callback")
	}
	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	w := &Watcher{
		watcher:  inner,
		logger:   options.Logger,
		onActive: options.OnActive,
		debounce: debounce,
		roots:    make(map[string]bool),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Watch registers a project directory. Only the top level is watched;
// activity anywhere in it refreshes the project's timestamp.
func (w *Watcher) Watch(projectPath string) error {
	projectPath = filepath.Clean(projectPath)
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return errors.New("watcher is closed")
	}
	if w.roots[projectPath] {
		w.mutex.Unlock()
		return nil
	}
	w.roots[projectPath] = true
	w.mutex.Unlock()

	if err := w.watcher.Add(projectPath); err != nil {
		w.mutex.Lock()
		delete(w.roots, projectPath)
		w.mutex.Unlock()
		return err
	}
	return nil
}

func (w *Watcher) Unwatch(projectPath string) error {
	projectPath = filepath.Clean(projectPath)
	w.mutex.Lock()
	if !w.roots[projectPath] {
		w.mutex.Unlock()
		return ErrNotWatched
	}
	delete(w.roots, projectPath)
	if timer := w.pending[projectPath]; timer != nil {
		timer.Stop()
		delete(w.pending, projectPath)
	}
	w.mutex.Unlock()
	return w.watcher.Remove(projectPath)
}

func (w *Watcher) Close() error {
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return nil
	}
	w.closed = true
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = make(map[string]*time.Timer)
	w.mutex.Unlock()

	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case fsEvent, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(fsEvent)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("filesystem watch error", map[string]string{"error": err.Error()})
			}
		}
	}
}

func (w *Watcher) handleEvent(fsEvent fsnotify.Event) {
	project, ok := w.projectFor(fsEvent.Name)
	if !ok {
		return
	}
	w.scheduleFlush(project)
}

// projectFor maps an event path onto the watched root that contains it.
func (w *Watcher) projectFor(path string) (string, bool) {
	path = filepath.Clean(path)
	w.mutex.Lock()
	defer w.mutex.Unlock()
	for root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return root, true
		}
	}
	return "", false
}

// scheduleFlush arms (or re-arms) the project's debounce timer; the
// callback fires once when the burst goes quiet.
func (w *Watcher) scheduleFlush(project string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.closed {
		return
	}
	if timer, ok := w.pending[project]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[project] = time.AfterFunc(w.debounce, func() {
		w.mutex.Lock()
		delete(w.pending, project)
		closed := w.closed
		w.mutex.Unlock()
		if closed {
			return
		}
		w.onActive(project)
	})
}
