package watcher

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"savepoint/internal/logger"
)

// EventType represents the type of file system event
type EventType string

const (
	EventCreate EventType = "create"
	EventModify EventType = "modify"
	EventDelete EventType = "delete"
	EventRename EventType = "rename"
)

// Event represents a file system event
type Event struct {
	Path string
	Type EventType
}

// SkipFunc reports whether a directory should not be watched
type SkipFunc func(path string) bool

// Option configures a Watcher
type Option func(*Watcher)

// WithSkip excludes directories matching fn from the recursive watch
func WithSkip(fn SkipFunc) Option {
	return func(w *Watcher) { w.skip = fn }
}

// WithLogger sets the logger used for watch errors
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logger.OrDiscard(l) }
}

// Watcher watches a directory tree and delivers coalesced batches of events
// once the tree has been quiet for the debounce interval
type Watcher struct {
	root     string
	debounce time.Duration
	callback func([]Event)
	skip     SkipFunc
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
	started  bool
	closed   bool
	mu       sync.Mutex

	pending   map[string]Event
	timer     *time.Timer
	pendingMu sync.Mutex
}

// New creates a Watcher for root and every directory below it
func New(root string, debounce time.Duration, callback func([]Event), opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		debounce: debounce,
		callback: callback,
		logger:   logger.OrDiscard(nil),
		watcher:  fw,
		done:     make(chan struct{}),
		pending:  make(map[string]Event),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// WatchList returns the directories currently watched, sorted
func (w *Watcher) WatchList() []string {
	list := w.watcher.WatchList()
	sort.Strings(list)
	return list
}

// Start starts watching for events
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}

	if w.started {
		return fmt.Errorf("watcher already started")
	}

	w.started = true

	go w.watch()

	return nil
}

// Close stops watching and drops any pending batch
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	if w.started {
		close(w.done)
	}

	w.pendingMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = make(map[string]Event)
	w.pendingMu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("failed to watch path %s: %w", path, err)
			}
			// vanished or unreadable subdirectories are not fatal
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.skip != nil && w.skip(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			if path == root {
				return fmt.Errorf("failed to watch path %s: %w", path, err)
			}
			w.logger.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// watch is the main event loop
func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// handleEvent classifies a fsnotify event and queues it
func (w *Watcher) handleEvent(event fsnotify.Event) {
	var eventType EventType

	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		eventType = EventCreate
	case event.Op&fsnotify.Write == fsnotify.Write:
		eventType = EventModify
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		eventType = EventDelete
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		eventType = EventRename
	default:
		return
	}

	if eventType == EventCreate {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if w.skip != nil && w.skip(event.Name) {
				return
			}
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	}

	w.queue(Event{Path: event.Name, Type: eventType})
}

// queue records e and restarts the quiet-period timer
func (w *Watcher) queue(e Event) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	// a create followed by writes is still reported as a create
	if prev, ok := w.pending[e.Path]; !ok || prev.Type != EventCreate || e.Type != EventModify {
		w.pending[e.Path] = e
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	batch := make([]Event, 0, len(w.pending))
	for _, e := range w.pending {
		batch = append(batch, e)
	}
	w.pending = make(map[string]Event)
	w.timer = nil
	w.pendingMu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })
	w.callback(batch)
}
