// internal/checkpoint/manager.go
package checkpoint

import (
	stderrors "errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"savepoint/internal/errors"
	"savepoint/internal/git"
	"savepoint/internal/logger"
	"savepoint/internal/version"
)

// Backend is the version-control surface the manager drives
type Backend interface {
	StatusSource

	Root() string
	StageAll() error
	StageAllCLI() error
	Stage(path string) error
	StageCLI(path string) error
	Commit(message string, author git.Identity) (string, error)
	Identity() (git.Identity, bool)
	Head() (string, error)
	CurrentBranch() (string, error)
	CommitInfo(id string) (*git.Commit, error)
	Resolve(id string) (string, error)
	CreateBranch(name, id string) error
	Branches(prefix string) ([]git.Branch, error)
	HardReset(id string) error
	IsAncestor(ancestor, descendant string) (bool, error)
	Merge(id string) (git.MergeStatus, error)
	AbortMerge() error
	ConflictSides(path string) (base, ours, theirs []byte, err error)
	MergeFile(base, ours, theirs []byte) ([]byte, bool, error)
	UnmergedPaths() ([]string, error)
	RevertPaths(dir string) ([]string, error)
	Log(limit int) ([]git.Commit, error)
}

// Versioner is the version state the manager advances
type Versioner interface {
	ReadState() (version.Record, error)
	Write(rec version.Record) error
	IncrementVersion(kind version.Kind, manual string) (string, error)
	SetChannel(channel string) (version.Record, error)
	Durable() (version.Record, bool, error)
	SyncManifest() (bool, error)
	VersionFile() string
	ManifestFile() string
}

// Options configures a Manager
type Options struct {
	// MetaDir is the version metadata directory relative to the root
	MetaDir  string
	Fallback git.Identity
	Recorder Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Manager implements save, undo, redo, restore and merge over a backend
type Manager struct {
	repo     Backend
	versions Versioner
	guard    *Guard
	metaDir  string
	fallback git.Identity
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a checkpoint manager
func NewManager(repo Backend, versions Versioner, opts Options) *Manager {
	l := logger.OrDiscard(opts.Logger)
	m := &Manager{
		repo:     repo,
		versions: versions,
		metaDir:  opts.MetaDir,
		fallback: opts.Fallback,
		recorder: opts.Recorder,
		logger:   l.With("component", "engine"),
		now:      opts.Now,
	}
	if m.metaDir == "" {
		m.metaDir = ".savepoint"
	}
	if m.now == nil {
		m.now = time.Now
	}
	if repo != nil {
		m.guard = NewGuard(repo, l)
	}
	return m
}

// Guard returns the safe-state guard
func (m *Manager) Guard() *Guard {
	return m.guard
}

func (m *Manager) requireRepo() error {
	if m.repo == nil {
		return errors.ErrNotInitialized
	}
	return nil
}

func (m *Manager) requireSafe() error {
	if err := m.requireRepo(); err != nil {
		return err
	}
	return m.guard.EnsureSafeState()
}

// Init persists the version record, seeding it from the manifest when
// needed, and records the first checkpoint
func (m *Manager) Init() (*SaveResult, error) {
	if err := m.requireRepo(); err != nil {
		return nil, err
	}

	rec, err := m.versions.ReadState()
	if err != nil {
		return nil, err
	}
	if err := m.versions.Write(rec); err != nil {
		return nil, errors.Wrap(err, "write version record")
	}

	return m.save(OpInit, "Initial save", version.None, "")
}

// Save snapshots every change as a new checkpoint. A clean tree is reported
// with Saved false and no error.
func (m *Manager) Save(message string, kind version.Kind, manual string) (*SaveResult, error) {
	if err := m.requireRepo(); err != nil {
		return nil, err
	}
	return m.save(OpSave, message, kind, manual)
}

func (m *Manager) save(op, message string, kind version.Kind, manual string) (*SaveResult, error) {
	log := m.logger.With("op", op)

	if err := m.stageAll(); err != nil {
		return nil, errors.Wrap(err, "stage changes")
	}

	changes, err := statusWithFallback(m.repo, true, log)
	if err != nil {
		return nil, errors.Wrap(err, "read status")
	}
	if len(changes) == 0 {
		log.Debug("nothing to save")
		return &SaveResult{Saved: false, Changes: changes}, nil
	}

	message = strings.TrimSpace(message)
	if message == "" {
		message = BuildMessage(changes)
	}

	ver, err := m.versions.IncrementVersion(kind, manual)
	if err != nil {
		return nil, err
	}

	if err := m.stageFile(m.versions.VersionFile()); err != nil {
		return nil, errors.Wrap(err, "stage version record")
	}
	if manifest := m.versions.ManifestFile(); manifest != "" {
		if err := m.stageFile(manifest); err != nil {
			log.Warn("failed to stage manifest", "path", manifest, "error", err)
		}
	}

	previous, err := m.repo.Head()
	if err != nil && !stderrors.Is(err, git.ErrNoCommits) {
		return nil, err
	}

	full := "[" + ver + "] " + message
	id, err := m.repo.Commit(full, m.identity())
	if err != nil {
		return nil, errors.Wrap(err, "create checkpoint")
	}
	log.Info("saved", "commit", git.ShortID(id), "version", ver, "files", len(changes))

	paths := make([]string, len(changes))
	for i, c := range changes {
		paths[i] = c.Path
	}
	m.record(JournalEntry{Operation: op, Commit: id, Previous: previous, Version: ver, Message: full, Paths: paths})

	return &SaveResult{
		Saved:    true,
		Commit:   id,
		Previous: previous,
		Version:  ver,
		Message:  full,
		Changes:  changes,
	}, nil
}

func (m *Manager) stageAll() error {
	err := m.repo.StageAll()
	if err != nil && git.IsPathTooLong(err) {
		m.logger.Warn("staging hit a path length limit, using git CLI", "error", err)
		return m.repo.StageAllCLI()
	}
	return err
}

// stageFile stages an absolute path, retrying through the CLI on failure
func (m *Manager) stageFile(path string) error {
	rel, err := filepath.Rel(m.repo.Root(), path)
	if err != nil {
		return err
	}
	if err := m.repo.Stage(rel); err != nil {
		m.logger.Debug("native stage failed, using git CLI", "path", rel, "error", err)
		return m.repo.StageCLI(rel)
	}
	return nil
}

func (m *Manager) identity() git.Identity {
	if id, ok := m.repo.Identity(); ok {
		return id
	}
	return m.fallback
}

// Undo parks the current checkpoint on an undo archive ref and moves the
// branch to its first parent
func (m *Manager) Undo() (*NavigationResult, error) {
	if err := m.requireSafe(); err != nil {
		return nil, err
	}

	current, err := m.repo.Head()
	if stderrors.Is(err, git.ErrNoCommits) {
		return nil, errors.Wrap(errors.ErrNoFurtherHistory, "nothing has been saved yet")
	}
	if err != nil {
		return nil, err
	}

	info, err := m.repo.CommitInfo(current)
	if err != nil {
		return nil, err
	}
	if len(info.Parents) == 0 {
		return nil, errors.Wrap(errors.ErrNoFurtherHistory, "this is the first checkpoint")
	}
	parent := info.Parents[0]

	ref := ArchiveName(ArchiveUndo, m.now(), current)
	if err := m.repo.CreateBranch(ref, current); err != nil {
		return nil, err
	}
	if err := m.repo.HardReset(parent); err != nil {
		return nil, errors.Wrap(err, "move to previous checkpoint")
	}
	m.logger.Info("undone", "op", OpUndo, "ref", ref, "to", git.ShortID(parent))

	m.record(JournalEntry{Operation: OpUndo, Commit: parent, Previous: current, ArchiveRef: ref})
	return &NavigationResult{Operation: OpUndo, From: current, To: parent, ArchiveRef: ref}, nil
}

// Redo restores the most recent undo archive whose commit is not the
// current tip. Candidates are ordered by ref name, newest first. Refs
// stamped within the same second are ordered by the journal, or by ancestry
// when the journal cannot tell.
func (m *Manager) Redo() (*NavigationResult, error) {
	if err := m.requireSafe(); err != nil {
		return nil, err
	}

	current, err := m.repo.Head()
	if err != nil && !stderrors.Is(err, git.ErrNoCommits) {
		return nil, err
	}

	branches, err := m.repo.Branches(ArchivePrefix + string(ArchiveUndo) + "_")
	if err != nil {
		return nil, err
	}

	var candidates []git.Branch
	for _, b := range branches {
		if b.Commit != current {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil, errors.Wrap(errors.ErrNoFurtherHistory, "nothing to redo")
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name > candidates[j].Name })

	next := m.latestUndo(candidates)
	m.logger.Debug("redo candidate", "op", OpRedo, "ref", next.Name)
	return m.restore(OpRedo, next.Commit)
}

// latestUndo picks the most recently created archive among candidates
// sorted newest name first. Only refs sharing the newest timestamp compete.
func (m *Manager) latestUndo(candidates []git.Branch) git.Branch {
	newest, _ := ParseArchiveName(candidates[0].Name)
	tied := candidates[:1]
	for _, c := range candidates[1:] {
		a, ok := ParseArchiveName(c.Name)
		if !ok || !a.Time.Equal(newest.Time) {
			break
		}
		tied = candidates[:len(tied)+1]
	}
	if len(tied) == 1 {
		return tied[0]
	}

	if orderer, ok := m.recorder.(ArchiveOrderer); ok {
		order, err := orderer.ArchiveOrder(ArchivePrefix + string(ArchiveUndo) + "_")
		if err != nil {
			m.logger.Warn("cannot read archive order", "op", OpRedo, "error", err)
		} else if best, ok := latestBySequence(tied, order); ok {
			return best
		}
	}

	// successive undos park successive ancestors, so the last one parked is
	// an ancestor of the others
	best := tied[0]
	for _, c := range tied[1:] {
		if c.Commit == best.Commit {
			continue
		}
		if ok, err := m.repo.IsAncestor(c.Commit, best.Commit); err == nil && ok {
			best = c
		}
	}
	return best
}

// latestBySequence returns the ref with the highest sequence. It reports
// false when any ref is missing from order.
func latestBySequence(refs []git.Branch, order map[string]int64) (git.Branch, bool) {
	var best git.Branch
	var bestSeq int64 = -1
	for _, r := range refs {
		seq, ok := order[r.Name]
		if !ok {
			return git.Branch{}, false
		}
		if seq > bestSeq {
			best, bestSeq = r, seq
		}
	}
	return best, true
}

// Restore parks the current checkpoint on a swapped archive ref and moves
// the branch to target. Restoring the current tip changes nothing.
func (m *Manager) Restore(target string) (*NavigationResult, error) {
	return m.restore(OpRestore, target)
}

func (m *Manager) restore(op, target string) (*NavigationResult, error) {
	if err := m.requireSafe(); err != nil {
		return nil, err
	}

	id, err := m.repo.Resolve(target)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrTargetNotFound, "%s", target)
	}

	current, err := m.repo.Head()
	if err != nil && !stderrors.Is(err, git.ErrNoCommits) {
		return nil, err
	}
	if id == current {
		return &NavigationResult{Operation: op, From: current, To: id, NoOp: true}, nil
	}

	var ref string
	if current != "" {
		ref = ArchiveName(ArchiveSwapped, m.now(), current)
		if err := m.repo.CreateBranch(ref, current); err != nil {
			return nil, err
		}
	}
	if err := m.repo.HardReset(id); err != nil {
		return nil, errors.Wrapf(err, "move to %s", git.ShortID(id))
	}
	m.logger.Info("restored", "op", op, "ref", ref, "to", git.ShortID(id))

	m.record(JournalEntry{Operation: op, Commit: id, Previous: current, ArchiveRef: ref})
	return &NavigationResult{Operation: op, From: current, To: id, ArchiveRef: ref}, nil
}

// Merge merges source into the current checkpoint without committing. Any
// incoming change to the version metadata directory or to the manifest's
// version field is discarded. A merge that brings nothing else is abandoned
// and reported as up to date.
func (m *Manager) Merge(source string) (*MergeResult, error) {
	if err := m.requireSafe(); err != nil {
		return nil, err
	}

	id, err := m.repo.Resolve(source)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrSourceNotFound, "%s", source)
	}

	log := m.logger.With("op", OpMerge)
	status, err := m.repo.Merge(id)
	if err != nil {
		return nil, errors.Wrap(err, "merge")
	}

	result := &MergeResult{Source: id, Status: status}
	if status == git.MergeUpToDate {
		log.Info("already up to date", "source", git.ShortID(id))
		return result, nil
	}

	reverted, err := m.repo.RevertPaths(m.metaDir)
	if err != nil {
		return nil, errors.Wrap(err, "keep local version metadata")
	}
	result.Reverted = reverted

	conflicts, err := m.repo.UnmergedPaths()
	if err != nil {
		return nil, err
	}

	restored, conflicts, err := m.keepManifestVersion(conflicts, log)
	if err != nil {
		return nil, err
	}
	if restored != "" {
		result.Reverted = append(result.Reverted, restored)
	}
	result.Conflicts = conflicts

	if len(conflicts) == 0 {
		// conflicts confined to version metadata were resolved above
		result.Status = git.MergeStaged

		pending, err := statusWithFallback(m.repo, false, log)
		if err != nil {
			return nil, errors.Wrap(err, "read merge result")
		}
		if len(pending) == 0 {
			if err := m.repo.AbortMerge(); err != nil {
				return nil, errors.Wrap(err, "abandon empty merge")
			}
			log.Info("only version metadata differs, nothing merged", "source", git.ShortID(id))
			result.Status = git.MergeUpToDate
			return result, nil
		}
	}
	log.Info("merged", "source", git.ShortID(id), "status", result.Status)

	head, _ := m.repo.Head()
	m.record(JournalEntry{Operation: OpMerge, Commit: id, Previous: head, Message: string(result.Status), Paths: result.Conflicts})
	return result, nil
}

// keepManifestVersion puts the local version back into a merged manifest
// and stages it. It returns the manifest's relative path when it changed and
// the conflicts that remain. A manifest that still conflicts once every side
// carries the local version is left for the user to resolve.
func (m *Manager) keepManifestVersion(conflicts []string, log *slog.Logger) (string, []string, error) {
	manifest := m.versions.ManifestFile()
	if manifest == "" {
		return "", conflicts, nil
	}

	rel, err := filepath.Rel(m.repo.Root(), manifest)
	if err != nil {
		return "", conflicts, err
	}
	rel = filepath.ToSlash(rel)

	if !slices.Contains(conflicts, rel) {
		changed, err := m.versions.SyncManifest()
		if err != nil {
			return "", conflicts, errors.Wrap(err, "keep local manifest version")
		}
		if !changed {
			return "", conflicts, nil
		}
		if err := m.stageFile(manifest); err != nil {
			return "", conflicts, errors.Wrap(err, "stage manifest")
		}
		log.Debug("restored local manifest version", "path", rel)
		return rel, conflicts, nil
	}

	resolved, err := m.resolveManifest(manifest, rel)
	if err != nil {
		return "", conflicts, err
	}
	if !resolved {
		log.Warn("manifest has merge conflicts, its version is not restored", "path", rel)
		return "", conflicts, nil
	}
	log.Debug("resolved manifest version conflict", "path", rel)

	remaining := slices.DeleteFunc(slices.Clone(conflicts), func(p string) bool { return p == rel })
	return rel, remaining, nil
}

// resolveManifest merges the three sides of a conflicted manifest after
// setting each side's version field to the local version. It reports false
// when the manifest conflicts beyond that field.
func (m *Manager) resolveManifest(manifest, rel string) (bool, error) {
	rec, ok, err := m.versions.Durable()
	if err != nil || !ok {
		return false, err
	}

	base, ours, theirs, err := m.repo.ConflictSides(rel)
	if err != nil {
		// add/add or modify/delete conflicts have no three-way text merge
		m.logger.Debug("manifest sides unavailable", "path", rel, "error", err)
		return false, nil
	}

	local := rec.Bare()
	base, _ = version.ReplaceManifestVersion(base, local)
	ours, _ = version.ReplaceManifestVersion(ours, local)
	theirs, _ = version.ReplaceManifestVersion(theirs, local)

	merged, clean, err := m.repo.MergeFile(base, ours, theirs)
	if err != nil {
		return false, errors.Wrap(err, "merge manifest")
	}
	if !clean {
		return false, nil
	}

	perm := os.FileMode(0644)
	if info, err := os.Stat(manifest); err == nil {
		perm = info.Mode().Perm()
	}
	if err := os.WriteFile(manifest, merged, perm); err != nil {
		return false, errors.Wrap(err, "write manifest")
	}
	if err := m.stageFile(manifest); err != nil {
		return false, errors.Wrap(err, "stage manifest")
	}
	return true, nil
}

// SetChannel switches the prerelease channel and records the change
func (m *Manager) SetChannel(channel string) (version.Record, error) {
	rec, err := m.versions.SetChannel(channel)
	if err != nil {
		return rec, err
	}
	m.record(JournalEntry{Operation: OpSetChannel, Version: rec.String(), Message: rec.Channel()})
	return rec, nil
}

// History lists up to limit checkpoints on the current branch and every
// archive ref, newest first
func (m *Manager) History(limit int) (*History, error) {
	if err := m.requireRepo(); err != nil {
		return nil, err
	}

	h := &History{Checkpoints: []git.Commit{}, Archives: []ArchiveRef{}}
	if branch, err := m.repo.CurrentBranch(); err == nil {
		h.Branch = branch
	}

	head, err := m.repo.Head()
	if err != nil && !stderrors.Is(err, git.ErrNoCommits) {
		return nil, err
	}
	h.Head = head

	commits, err := m.repo.Log(limit)
	if err != nil {
		return nil, err
	}
	if commits != nil {
		h.Checkpoints = commits
	}

	branches, err := m.repo.Branches(ArchivePrefix)
	if err != nil {
		return nil, err
	}
	for _, b := range branches {
		ref, ok := ParseArchiveName(b.Name)
		if !ok {
			continue
		}
		ref.Commit = b.Commit
		if head != "" && b.Commit != head {
			if ahead, err := m.repo.IsAncestor(head, b.Commit); err == nil {
				ref.Ahead = ahead
			}
		}
		h.Archives = append(h.Archives, ref)
	}
	sort.Slice(h.Archives, func(i, j int) bool { return h.Archives[i].Name > h.Archives[j].Name })

	return h, nil
}

func (m *Manager) record(entry JournalEntry) {
	if m.recorder == nil {
		return
	}
	if entry.At.IsZero() {
		entry.At = m.now()
	}
	if err := m.recorder.Record(entry); err != nil {
		m.logger.Warn("failed to journal operation", "op", entry.Operation, "error", err)
	}
}
