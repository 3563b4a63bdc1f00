package git

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"savepoint/internal/eventhub"
	"savepoint/internal/logger"
	"savepoint/internal/watcher"
)

// EventEmitter receives status snapshots
type EventEmitter interface {
	EmitStatusChanged(event eventhub.StatusChangedEvent)
}

// StatusWatcher re-reads repository status whenever the working tree or
// refs change and forwards it to an emitter
type StatusWatcher struct {
	repo     *Repo
	emitter  EventEmitter
	debounce time.Duration
	logger   *slog.Logger
	w        *watcher.Watcher
	mu       sync.Mutex
}

// NewStatusWatcher creates a StatusWatcher. A zero debounce uses 300ms.
func NewStatusWatcher(repo *Repo, emitter EventEmitter, debounce time.Duration, l *slog.Logger) *StatusWatcher {
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	return &StatusWatcher{
		repo:     repo,
		emitter:  emitter,
		debounce: debounce,
		logger:   logger.OrDiscard(l).With("component", "watcher"),
	}
}

// Start begins watching and emits the current status once
func (s *StatusWatcher) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w != nil {
		return nil // already watching
	}

	w, err := watcher.New(s.repo.Root(), s.debounce, func(batch []watcher.Event) {
		s.logger.Debug("change batch", "events", len(batch))
		s.Emit()
	}, watcher.WithSkip(s.skip), watcher.WithLogger(s.logger))
	if err != nil {
		return fmt.Errorf("failed to watch project: %w", err)
	}

	if err := w.Start(); err != nil {
		w.Close()
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	s.w = w

	go s.Emit()

	return nil
}

// Close stops watching
func (s *StatusWatcher) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w != nil {
		s.w.Close()
		s.w = nil
	}
}

// Emit sends the current status
func (s *StatusWatcher) Emit() {
	event, err := s.Snapshot()
	if err != nil {
		s.logger.Warn("failed to read status", "error", err)
		return
	}
	if s.emitter != nil {
		s.emitter.EmitStatusChanged(event)
	}
}

// Snapshot reads branch, head and classified entries including untracked files
func (s *StatusWatcher) Snapshot() (eventhub.StatusChangedEvent, error) {
	event := eventhub.StatusChangedEvent{
		Path:    s.repo.Root(),
		Entries: []eventhub.StatusEntry{},
	}

	if branch, err := s.repo.CurrentBranch(); err == nil {
		event.Branch = branch
	}
	if head, err := s.repo.Head(); err == nil {
		event.Head = head
	}

	entries, err := s.repo.Status(true)
	if IsPathTooLong(err) {
		entries, err = s.repo.PorcelainStatus(true)
	}
	if err != nil {
		return event, err
	}

	for _, e := range entries {
		event.Entries = append(event.Entries, eventhub.StatusEntry{Path: e.Path, Status: e.Status})
		if e.Status != StatusUntracked {
			event.Dirty = true
		}
	}
	return event, nil
}

// skip keeps the watch on the working tree plus the repository's HEAD and
// refs, leaving out object storage and our own journal
func (s *StatusWatcher) skip(path string) bool {
	rel, err := filepath.Rel(s.repo.GitDir(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel != "." && rel != "refs" && !strings.HasPrefix(rel, "refs/")
}
