// bindings.go
package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"savepoint/internal/checkpoint"
	"savepoint/internal/errors"
	"savepoint/internal/eventhub"
	"savepoint/internal/git"
	"savepoint/internal/version"
)

// ===== Checkpoint Bindings =====

// Init creates the repository if needed, persists the version record and
// saves the first checkpoint
func (a *App) Init() (*checkpoint.SaveResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.repo == nil {
		repo, err := git.Init(a.config.ProjectRoot)
		if err != nil {
			return nil, err
		}
		a.attach(repo)
	}
	return a.manager.Init()
}

// Save snapshots all changes with a version bump of the given kind
func (a *App) Save(message string, kind version.Kind, manual string) (*checkpoint.SaveResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manager.Save(message, kind, manual)
}

// Undo moves back one checkpoint
func (a *App) Undo() (*checkpoint.NavigationResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manager.Undo()
}

// Redo moves forward to the most recent undone checkpoint
func (a *App) Redo() (*checkpoint.NavigationResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manager.Redo()
}

// Restore jumps to any checkpoint
func (a *App) Restore(id string) (*checkpoint.NavigationResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manager.Restore(id)
}

// Merge folds another checkpoint into the current one without saving
func (a *App) Merge(id string) (*checkpoint.MergeResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manager.Merge(id)
}

// SetChannel switches between alpha, beta and stable
func (a *App) SetChannel(channel string) (*VersionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, err := a.manager.SetChannel(channel)
	if err != nil {
		return nil, err
	}
	return a.versionInfo(rec), nil
}

// ===== Query Bindings =====

// VersionInfo describes the current version for display
type VersionInfo struct {
	Version        string `json:"version"`
	Major          int    `json:"major"`
	Minor          int    `json:"minor"`
	Patch          int    `json:"patch"`
	Channel        string `json:"channel"`
	ManifestLinked bool   `json:"manifest_linked"`
	Manifest       string `json:"manifest,omitempty"`
}

// GetVersionInfo returns the current version without changing anything
func (a *App) GetVersionInfo() (*VersionInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rec, err := a.versions.ReadState()
	if err != nil {
		return nil, err
	}
	return a.versionInfo(rec), nil
}

func (a *App) versionInfo(rec version.Record) *VersionInfo {
	info := &VersionInfo{
		Version:        rec.String(),
		Major:          rec.Major,
		Minor:          rec.Minor,
		Patch:          rec.Patch,
		Channel:        rec.Channel(),
		ManifestLinked: rec.IsExternalManifestProject,
	}
	if manifest := a.versions.ManifestFile(); manifest != "" {
		info.Manifest = a.config.Rel(manifest)
	}
	return info
}

// StatusInfo is the working tree state for display
type StatusInfo struct {
	Root    string           `json:"root"`
	Branch  string           `json:"branch"`
	Head    string           `json:"head,omitempty"`
	Dirty   bool             `json:"dirty"`
	Entries []git.FileStatus `json:"entries"`
}

// GetStatus returns branch, head and every changed path including untracked files
func (a *App) GetStatus() (*StatusInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	repo, err := a.requireRepo()
	if err != nil {
		return nil, err
	}

	snap, err := git.NewStatusWatcher(repo, nil, 0, a.logger).Snapshot()
	if err != nil {
		return nil, err
	}

	info := &StatusInfo{
		Root:    snap.Path,
		Branch:  snap.Branch,
		Head:    snap.Head,
		Dirty:   snap.Dirty,
		Entries: make([]git.FileStatus, 0, len(snap.Entries)),
	}
	for _, e := range snap.Entries {
		info.Entries = append(info.Entries, git.FileStatus{Path: e.Path, Status: e.Status})
	}
	return info, nil
}

// GetHistory returns recent checkpoints and all archive refs
func (a *App) GetHistory(limit int) (*checkpoint.History, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.manager.History(limit)
}

// GetJournal returns recent journal entries, newest first
func (a *App) GetJournal(limit int) ([]checkpoint.JournalEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if _, err := a.requireRepo(); err != nil {
		return nil, err
	}
	if a.journal == nil {
		return nil, errors.New("journal is disabled")
	}
	return a.journal.List(limit)
}

// Watch streams status:changed events as JSON lines to w until ctx is done
func (a *App) Watch(ctx context.Context, w io.Writer, debounce time.Duration) error {
	a.mu.RLock()
	repo, err := a.requireRepo()
	hub := a.eventHub
	a.mu.RUnlock()
	if err != nil {
		return err
	}

	hub.SetBroadcaster(eventhub.NewJSONLines(w))
	defer hub.SetBroadcaster(nil)

	sw := git.NewStatusWatcher(repo, hub, debounce, a.logger)
	if err := sw.Start(); err != nil {
		return err
	}
	defer sw.Close()

	<-ctx.Done()
	return nil
}

// ===== Remote Bindings =====

// Push pushes the current branch. An empty remote picks origin, or the
// first configured remote.
func (a *App) Push(remote string) (*git.PushResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	repo, err := a.requireRepo()
	if err != nil {
		return nil, err
	}

	if remote == "" {
		remotes, err := repo.Remotes()
		if err != nil {
			return nil, err
		}
		if len(remotes) == 0 {
			return nil, errors.New("no remote configured")
		}
		remote = remotes[0].Name
		for _, r := range remotes {
			if r.Name == "origin" {
				remote = r.Name
				break
			}
		}
	}

	branch, err := repo.CurrentBranch()
	if err != nil {
		return nil, err
	}

	a.logger.Info("pushing", "remote", remote, "branch", branch)
	result, err := repo.Push(remote, branch)
	if err != nil {
		return result, fmt.Errorf("push %s %s: %w", remote, branch, err)
	}
	return result, nil
}
