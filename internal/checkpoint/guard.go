package checkpoint

import (
	"log/slog"

	"savepoint/internal/errors"
	"savepoint/internal/git"
	"savepoint/internal/logger"
)

// StatusSource is the part of the backend the guard needs
type StatusSource interface {
	Status(includeUntracked bool) ([]git.FileStatus, error)
	PorcelainStatus(includeUntracked bool) ([]git.FileStatus, error)
}

// Guard decides whether the working tree is safe to navigate away from
type Guard struct {
	repo   StatusSource
	logger *slog.Logger
}

// NewGuard creates a Guard
func NewGuard(repo StatusSource, l *slog.Logger) *Guard {
	return &Guard{repo: repo, logger: logger.OrDiscard(l).With("component", "guard")}
}

// IsDirty reports whether tracked files have uncommitted changes. Untracked
// files are not considered.
func (g *Guard) IsDirty() (bool, error) {
	entries, err := statusWithFallback(g.repo, false, g.logger)
	if err != nil {
		return false, errors.Wrap(err, "check working tree")
	}
	return len(entries) > 0, nil
}

// EnsureSafeState fails with ErrBlockedByDirtyState when IsDirty is true
func (g *Guard) EnsureSafeState() error {
	dirty, err := g.IsDirty()
	if err != nil {
		return err
	}
	if dirty {
		return errors.ErrBlockedByDirtyState
	}
	return nil
}

// statusWithFallback queries status natively and retries through the CLI
// only when the native walk hits a path-length limit
func statusWithFallback(repo StatusSource, includeUntracked bool, l *slog.Logger) ([]git.FileStatus, error) {
	entries, err := repo.Status(includeUntracked)
	if err == nil || !git.IsPathTooLong(err) {
		return entries, err
	}

	l.Warn("status hit a path length limit, using git CLI", "error", err)
	return repo.PorcelainStatus(includeUntracked)
}
