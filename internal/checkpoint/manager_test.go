// internal/checkpoint/manager_test.go
package checkpoint

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"savepoint/internal/errors"
	"savepoint/internal/git"
	"savepoint/internal/version"
)

func TestSaveVersionSequence(t *testing.T) {
	f := newFixture(t)

	steps := []struct {
		kind version.Kind
		want string
	}{
		{version.Patch, "v0.0.1"},
		{version.Patch, "v0.0.2"},
		{version.Patch, "v0.0.3"},
		{version.Minor, "v0.1.0"},
		{version.Patch, "v0.1.1"},
		{version.Major, "v1.0.0"},
		{version.None, "v1.0.0"},
		{version.Patch, "v1.0.1"},
	}

	for i, step := range steps {
		writeFile(t, f.root, "work.txt", fmt.Sprintf("step %d", i))
		res, err := f.manager.Save("step", step.kind, "")
		require.NoError(t, err)
		require.True(t, res.Saved)
		assert.Equal(t, step.want, res.Version, "step %d", i)
		assert.Equal(t, "["+step.want+"] step", res.Message)
		assert.Equal(t, res.Commit, f.head(t))
	}

	rec, err := f.versions.ReadState()
	require.NoError(t, err)
	assert.Equal(t, version.Record{Major: 1, Patch: 1}, rec)

	// the version record travels with every checkpoint
	assert.Empty(t, gitCmd(t, f.root, "status", "--porcelain"))
	assert.Contains(t, gitCmd(t, f.root, "show", "HEAD:.savepoint/version.yaml"), "patch: 1")
}

func TestSaveManualVersion(t *testing.T) {
	f := newFixture(t)
	f.saveFile(t, "a.txt", "1")

	writeFile(t, f.root, "a.txt", "2")
	res, err := f.manager.Save("release", version.Manual, "2.5.0-A")
	require.NoError(t, err)
	assert.Equal(t, "v2.5.0-A", res.Version)

	rec, err := f.versions.ReadState()
	require.NoError(t, err)
	assert.Equal(t, version.Record{Major: 2, Minor: 5, IsAlpha: true}, rec)
}

func TestSaveInvalidManualVersionDoesNotCommit(t *testing.T) {
	f := newFixture(t)
	first := f.saveFile(t, "a.txt", "1")

	writeFile(t, f.root, "a.txt", "2")
	_, err := f.manager.Save("bad", version.Manual, "x.y")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidVersion))
	assert.Equal(t, first.Commit, f.head(t))
}

func TestSaveNothingToSave(t *testing.T) {
	f := newFixture(t)
	first := f.saveFile(t, "a.txt", "1")

	res, err := f.manager.Save("again", version.Patch, "")
	require.NoError(t, err)
	assert.False(t, res.Saved)
	assert.Equal(t, first.Commit, f.head(t))

	rec, err := f.versions.ReadState()
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Patch, "a no-op save must not bump the version")
	assert.Len(t, f.recorder.entries, 1)
}

func TestSaveOnFreshRepositoryWithoutChanges(t *testing.T) {
	f := newFixture(t)

	res, err := f.manager.Save("", version.Patch, "")
	require.NoError(t, err)
	assert.False(t, res.Saved)

	_, err = os.Stat(filepath.Join(f.root, ".savepoint", "version.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestSaveSummarizesChanges(t *testing.T) {
	f := newFixture(t)
	f.saveFile(t, "bar.txt", "bar")

	writeFile(t, f.root, "foo.txt", "foo")
	require.NoError(t, os.Remove(filepath.Join(f.root, "bar.txt")))

	res, err := f.manager.Save("   ", version.Patch, "")
	require.NoError(t, err)
	require.True(t, res.Saved)

	want := "[v0.0.2] 2 files changed\n\nChanges:\ndeleted:   bar.txt\nadded:   foo.txt"
	assert.Equal(t, want, res.Message)
	assert.Equal(t, want, gitCmd(t, f.root, "log", "-1", "--format=%B"))
}

func TestSaveIncludesUntrackedAndDeletions(t *testing.T) {
	f := newFixture(t)
	f.saveFile(t, "keep.txt", "k")
	f.saveFile(t, "gone.txt", "g")

	require.NoError(t, os.Remove(filepath.Join(f.root, "gone.txt")))
	writeFile(t, f.root, "deep/nested/new.txt", "n")

	res, err := f.manager.Save("mixed", version.Patch, "")
	require.NoError(t, err)
	require.True(t, res.Saved)

	files := gitCmd(t, f.root, "ls-tree", "-r", "--name-only", "HEAD")
	assert.Contains(t, files, "deep/nested/new.txt")
	assert.NotContains(t, files, "gone.txt")
	assert.Empty(t, gitCmd(t, f.root, "status", "--porcelain"))
}

func TestSaveMirrorsManifest(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.root, "package.json", "{\n  \"name\": \"demo\",\n  \"version\": \"1.0.0\"\n}\n")

	res, err := f.manager.Save("first", version.Minor, "")
	require.NoError(t, err)
	assert.Equal(t, "v1.1.0", res.Version)

	committed := gitCmd(t, f.root, "show", "HEAD:package.json")
	assert.Contains(t, committed, `"version": "1.1.0"`)
	assert.Empty(t, gitCmd(t, f.root, "status", "--porcelain"))
}

func TestSaveJournal(t *testing.T) {
	f := newFixture(t)
	first := f.saveFile(t, "a.txt", "1")
	second := f.saveFile(t, "b.txt", "2")

	require.Len(t, f.recorder.entries, 2)
	e := f.recorder.entries[1]
	assert.Equal(t, OpSave, e.Operation)
	assert.Equal(t, second.Commit, e.Commit)
	assert.Equal(t, first.Commit, e.Previous)
	assert.Equal(t, "v0.0.2", e.Version)
	assert.Equal(t, []string{"b.txt"}, e.Paths)
	assert.False(t, e.At.IsZero())
}

func TestJournalFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	f.recorder.err = stderrors.New("disk full")

	res := f.saveFile(t, "a.txt", "1")
	assert.True(t, res.Saved)
}

func TestNilBackendIsNotInitialized(t *testing.T) {
	m := NewManager(nil, version.NewService(filepath.Join(t.TempDir(), "v.yaml"), "", nil), Options{})

	_, err := m.Save("x", version.Patch, "")
	assert.True(t, errors.Is(err, errors.ErrNotInitialized))
	_, err = m.Undo()
	assert.True(t, errors.Is(err, errors.ErrNotInitialized))
	_, err = m.Redo()
	assert.True(t, errors.Is(err, errors.ErrNotInitialized))
	_, err = m.Restore("abc")
	assert.True(t, errors.Is(err, errors.ErrNotInitialized))
	_, err = m.Merge("abc")
	assert.True(t, errors.Is(err, errors.ErrNotInitialized))
	_, err = m.History(10)
	assert.True(t, errors.Is(err, errors.ErrNotInitialized))
}

func TestUndoThenRedoRestoresState(t *testing.T) {
	f := newFixture(t)
	first := f.saveFile(t, "a.txt", "one")
	second := f.saveFile(t, "a.txt", "two")

	undo, err := f.manager.Undo()
	require.NoError(t, err)
	assert.Equal(t, first.Commit, undo.To)
	assert.Equal(t, second.Commit, undo.From)
	assert.True(t, strings.HasPrefix(undo.ArchiveRef, "archive/undo_20250314_"), undo.ArchiveRef)
	assert.True(t, strings.HasSuffix(undo.ArchiveRef, "_"+git.ShortID(second.Commit)))

	assert.Equal(t, first.Commit, f.head(t))
	assert.Equal(t, "one", readFile(t, f.root, "a.txt"))
	rec, err := f.versions.ReadState()
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Patch)

	redo, err := f.manager.Redo()
	require.NoError(t, err)
	assert.Equal(t, OpRedo, redo.Operation)
	assert.Equal(t, second.Commit, redo.To)
	assert.True(t, strings.HasPrefix(redo.ArchiveRef, "archive/swapped_"), redo.ArchiveRef)

	assert.Equal(t, second.Commit, f.head(t))
	assert.Equal(t, "two", readFile(t, f.root, "a.txt"))
	rec, err = f.versions.ReadState()
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Patch)

	assert.Len(t, f.archives(t), 2)
	assert.Equal(t, []string{OpSave, OpSave, OpUndo, OpRedo}, f.recorder.ops())
}

func TestRedoWithinOneSecondFollowsUndoOrder(t *testing.T) {
	for name, journaled := range map[string]bool{"journal": true, "ancestry": false} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.saveFile(t, "a.txt", "1")
			second := f.saveFile(t, "a.txt", "2")
			third := f.saveFile(t, "a.txt", "3")

			if !journaled {
				f.manager.recorder = nil
			}
			frozen := time.Date(2025, 3, 14, 16, 0, 0, 0, time.UTC)
			f.manager.now = func() time.Time { return frozen }

			_, err := f.manager.Undo()
			require.NoError(t, err)
			_, err = f.manager.Undo()
			require.NoError(t, err)

			redo, err := f.manager.Redo()
			require.NoError(t, err)
			assert.Equal(t, second.Commit, redo.To, "the last undo is redone first")

			redo, err = f.manager.Redo()
			require.NoError(t, err)
			assert.Equal(t, third.Commit, redo.To)
		})
	}
}

func TestRedoTieBreak(t *testing.T) {
	const (
		early = "archive/undo_20250314_160000_aaaaaaa"
		late  = "archive/undo_20250314_160000_zzzzzzz"
	)

	setup := func(t *testing.T) (*fixture, string, string) {
		f := newFixture(t)
		first := f.saveFile(t, "a.txt", "1")
		second := f.saveFile(t, "a.txt", "2")
		third := f.saveFile(t, "a.txt", "3")
		// the ref sorting last by name holds the descendant
		gitCmd(t, f.root, "branch", early, second.Commit)
		gitCmd(t, f.root, "branch", late, third.Commit)
		gitCmd(t, f.root, "reset", "-q", "--hard", first.Commit)
		return f, second.Commit, third.Commit
	}

	t.Run("ancestor wins without a journal", func(t *testing.T) {
		f, second, _ := setup(t)
		f.manager.recorder = nil

		redo, err := f.manager.Redo()
		require.NoError(t, err)
		assert.Equal(t, second, redo.To)
	})

	t.Run("journal order wins", func(t *testing.T) {
		f, _, third := setup(t)
		f.recorder.entries = []JournalEntry{
			{Operation: OpUndo, ArchiveRef: early},
			{Operation: OpUndo, ArchiveRef: late},
		}

		redo, err := f.manager.Redo()
		require.NoError(t, err)
		assert.Equal(t, third, redo.To)
	})

	t.Run("incomplete journal falls back to ancestry", func(t *testing.T) {
		f, second, _ := setup(t)
		f.recorder.entries = []JournalEntry{{Operation: OpUndo, ArchiveRef: late}}

		redo, err := f.manager.Redo()
		require.NoError(t, err)
		assert.Equal(t, second, redo.To)
	})
}

func TestUndoAtFirstCheckpoint(t *testing.T) {
	f := newFixture(t)
	first := f.saveFile(t, "a.txt", "1")

	_, err := f.manager.Undo()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoFurtherHistory))
	assert.Contains(t, err.Error(), "first checkpoint")

	assert.Equal(t, first.Commit, f.head(t))
	assert.Empty(t, f.archives(t))
}

func TestUndoWithoutCheckpoints(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Undo()
	assert.True(t, errors.Is(err, errors.ErrNoFurtherHistory))
}

func TestNavigationBlockedByDirtyState(t *testing.T) {
	f := newFixture(t)
	first := f.saveFile(t, "a.txt", "1")
	f.saveFile(t, "a.txt", "2")

	writeFile(t, f.root, "a.txt", "unsaved")

	_, err := f.manager.Undo()
	assert.True(t, errors.Is(err, errors.ErrBlockedByDirtyState))
	_, err = f.manager.Redo()
	assert.True(t, errors.Is(err, errors.ErrBlockedByDirtyState))
	_, err = f.manager.Restore(first.Commit)
	assert.True(t, errors.Is(err, errors.ErrBlockedByDirtyState))
	_, err = f.manager.Merge(first.Commit)
	assert.True(t, errors.Is(err, errors.ErrBlockedByDirtyState))

	assert.Equal(t, "unsaved", readFile(t, f.root, "a.txt"))
	assert.Empty(t, f.archives(t))
}

func TestUntrackedFilesDoNotBlockNavigation(t *testing.T) {
	f := newFixture(t)
	first := f.saveFile(t, "a.txt", "1")
	f.saveFile(t, "a.txt", "2")

	writeFile(t, f.root, "scratch.txt", "notes")

	res, err := f.manager.Undo()
	require.NoError(t, err)
	assert.Equal(t, first.Commit, res.To)
	assert.Equal(t, "notes", readFile(t, f.root, "scratch.txt"))
}

func TestRedoWithNothingToRedo(t *testing.T) {
	f := newFixture(t)
	f.saveFile(t, "a.txt", "1")

	_, err := f.manager.Redo()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoFurtherHistory))
	assert.Contains(t, err.Error(), "nothing to redo")
}

func TestRedoWalksUndoChain(t *testing.T) {
	f := newFixture(t)
	a := f.saveFile(t, "a.txt", "A")
	b := f.saveFile(t, "a.txt", "B")
	c := f.saveFile(t, "a.txt", "C")

	_, err := f.manager.Undo()
	require.NoError(t, err)
	_, err = f.manager.Undo()
	require.NoError(t, err)
	require.Equal(t, a.Commit, f.head(t))

	res, err := f.manager.Redo()
	require.NoError(t, err)
	assert.Equal(t, b.Commit, res.To, "most recent undo point first")

	res, err = f.manager.Redo()
	require.NoError(t, err)
	assert.Equal(t, c.Commit, res.To, "the ref equal to the tip is skipped")
	assert.Equal(t, "C", readFile(t, f.root, "a.txt"))
}

func TestRestoreToCurrentIsNoOp(t *testing.T) {
	f := newFixture(t)
	first := f.saveFile(t, "a.txt", "1")

	res, err := f.manager.Restore(first.Commit)
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Empty(t, res.ArchiveRef)
	assert.Empty(t, f.archives(t))
	assert.Equal(t, first.Commit, f.head(t))
	assert.Len(t, f.recorder.entries, 1)
}

func TestRestoreParksCurrent(t *testing.T) {
	f := newFixture(t)
	first := f.saveFile(t, "a.txt", "1")
	f.saveFile(t, "a.txt", "2")
	third := f.saveFile(t, "b.txt", "3")

	res, err := f.manager.Restore(git.ShortID(first.Commit))
	require.NoError(t, err)
	assert.Equal(t, first.Commit, res.To)
	assert.Equal(t, first.Commit, f.head(t))
	assert.Equal(t, "1", readFile(t, f.root, "a.txt"))
	_, err = os.Stat(filepath.Join(f.root, "b.txt"))
	assert.True(t, os.IsNotExist(err))

	archives := f.archives(t)
	require.Len(t, archives, 1)
	assert.Equal(t, res.ArchiveRef, archives[0])
	assert.Equal(t, third.Commit, gitCmd(t, f.root, "rev-parse", archives[0]))

	// the parked checkpoint stays restorable
	_, err = f.manager.Restore(archives[0])
	require.NoError(t, err)
	assert.Equal(t, third.Commit, f.head(t))
}

func TestRestoreUnknownTarget(t *testing.T) {
	f := newFixture(t)
	first := f.saveFile(t, "a.txt", "1")

	_, err := f.manager.Restore("0123456789abcdef0123456789abcdef01234567")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTargetNotFound))
	assert.Equal(t, first.Commit, f.head(t))
}

func TestMergeKeepsLocalVersion(t *testing.T) {
	f := newFixture(t)
	f.saveFile(t, "shared.txt", "base\n")

	gitCmd(t, f.root, "checkout", "-q", "-b", "feature")
	f.saveFile(t, "feature.txt", "f1\n")
	feature := f.saveFile(t, "feature.txt", "f2\n")
	gitCmd(t, f.root, "checkout", "-q", "main")
	local := f.saveFile(t, "main.txt", "m\n")

	res, err := f.manager.Merge("feature")
	require.NoError(t, err)
	assert.Equal(t, git.MergeStaged, res.Status)
	assert.Equal(t, feature.Commit, res.Source)
	assert.Contains(t, res.Reverted, ".savepoint/version.yaml")
	assert.Empty(t, res.Conflicts)

	rec, err := f.versions.ReadState()
	require.NoError(t, err)
	assert.Equal(t, version.Record{Patch: 2}, rec, "incoming version is discarded")

	saved, err := f.manager.Save("merged", version.Patch, "")
	require.NoError(t, err)
	assert.Equal(t, "v0.0.3", saved.Version)
	assert.Equal(t, "f2\n", readFile(t, f.root, "feature.txt"))

	parents := strings.Fields(gitCmd(t, f.root, "log", "-1", "--format=%P"))
	assert.Equal(t, []string{local.Commit, feature.Commit}, parents)
}

func TestMergeUpToDate(t *testing.T) {
	f := newFixture(t)
	first := f.saveFile(t, "a.txt", "1")
	second := f.saveFile(t, "a.txt", "2")

	res, err := f.manager.Merge(first.Commit)
	require.NoError(t, err)
	assert.Equal(t, git.MergeUpToDate, res.Status)
	assert.Equal(t, second.Commit, f.head(t))
	assert.Empty(t, gitCmd(t, f.root, "status", "--porcelain"))
}

func TestMergeConflict(t *testing.T) {
	f := newFixture(t)
	f.saveFile(t, "shared.txt", "base\n")

	gitCmd(t, f.root, "checkout", "-q", "-b", "feature")
	f.saveFile(t, "shared.txt", "theirs\n")
	gitCmd(t, f.root, "checkout", "-q", "main")
	f.saveFile(t, "shared.txt", "ours\n")

	res, err := f.manager.Merge("feature")
	require.NoError(t, err)
	assert.Equal(t, git.MergeConflicted, res.Status)
	assert.Equal(t, []string{"shared.txt"}, res.Conflicts)

	// resolving and saving concludes the merge with the local version bumped once
	writeFile(t, f.root, "shared.txt", "resolved\n")
	saved, err := f.manager.Save("resolved", version.Patch, "")
	require.NoError(t, err)
	assert.Equal(t, "v0.0.3", saved.Version)
	assert.Len(t, strings.Fields(gitCmd(t, f.root, "log", "-1", "--format=%P")), 2)
}

func TestMergeUnknownSource(t *testing.T) {
	f := newFixture(t)
	f.saveFile(t, "a.txt", "1")

	_, err := f.manager.Merge("no-such-branch")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSourceNotFound))
}

func TestMergeResolvesManifestVersionConflict(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.root, "package.json", "{\n  \"name\": \"demo\",\n  \"version\": \"1.0.0\"\n}\n")
	_, err := f.manager.Init()
	require.NoError(t, err)
	f.saveFile(t, "shared.txt", "base\n")

	gitCmd(t, f.root, "checkout", "-q", "-b", "feature")
	writeFile(t, f.root, "feature.txt", "f\n")
	_, err = f.manager.Save("jump", version.Manual, "9.0.0")
	require.NoError(t, err)
	gitCmd(t, f.root, "checkout", "-q", "main")
	local := f.saveFile(t, "main.txt", "m\n")
	require.Equal(t, "v1.0.2", local.Version)

	res, err := f.manager.Merge("feature")
	require.NoError(t, err)
	assert.Equal(t, git.MergeStaged, res.Status)
	assert.Contains(t, res.Reverted, ".savepoint/version.yaml")
	assert.Contains(t, res.Reverted, "package.json")
	assert.Contains(t, readFile(t, f.root, "package.json"), `"version": "1.0.2"`)

	rec, err := f.versions.ReadState()
	require.NoError(t, err)
	assert.Equal(t, "v1.0.2", rec.String(), "incoming manifest version is discarded")

	saved, err := f.manager.Save("merged", version.Patch, "")
	require.NoError(t, err)
	assert.Equal(t, "v1.0.3", saved.Version)
	assert.Equal(t, "f\n", readFile(t, f.root, "feature.txt"))
	assert.Contains(t, gitCmd(t, f.root, "show", "HEAD:package.json"), `"version": "1.0.3"`)
}

func TestMergeRestoresManifestVersionFromCleanMerge(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.root, "package.json", "{\n  \"name\": \"demo\",\n  \"version\": \"1.0.0\"\n}\n")
	_, err := f.manager.Init()
	require.NoError(t, err)
	f.saveFile(t, "shared.txt", "base\n")

	gitCmd(t, f.root, "checkout", "-q", "-b", "feature")
	writeFile(t, f.root, "feature.txt", "f\n")
	_, err = f.manager.Save("jump", version.Manual, "9.0.0")
	require.NoError(t, err)
	gitCmd(t, f.root, "checkout", "-q", "main")

	// main never touched the manifest, so git takes the incoming version
	res, err := f.manager.Merge("feature")
	require.NoError(t, err)
	assert.Equal(t, git.MergeStaged, res.Status)
	assert.Empty(t, res.Conflicts)
	assert.Contains(t, res.Reverted, "package.json")
	assert.Contains(t, readFile(t, f.root, "package.json"), `"version": "1.0.1"`)

	saved, err := f.manager.Save("merged", version.Patch, "")
	require.NoError(t, err)
	assert.Equal(t, "v1.0.2", saved.Version)
}

func TestMergeOfVersionOnlyChangeIsAbandoned(t *testing.T) {
	f := newFixture(t)
	f.saveFile(t, "a.txt", "1")

	gitCmd(t, f.root, "checkout", "-q", "-b", "feature")
	_, err := f.manager.SetChannel("alpha")
	require.NoError(t, err)
	res, err := f.manager.Save("alpha", version.None, "")
	require.NoError(t, err)
	require.True(t, res.Saved)
	gitCmd(t, f.root, "checkout", "-q", "main")
	local := f.saveFile(t, "b.txt", "2")

	merged, err := f.manager.Merge("feature")
	require.NoError(t, err)
	assert.Equal(t, git.MergeUpToDate, merged.Status)
	assert.NoFileExists(t, filepath.Join(f.root, ".git", "MERGE_HEAD"))
	assert.Empty(t, gitCmd(t, f.root, "status", "--porcelain"))
	assert.Equal(t, local.Commit, f.head(t))
	assert.NotContains(t, f.recorder.ops(), OpMerge)

	// the next save is an ordinary single-parent checkpoint
	next := f.saveFile(t, "c.txt", "3")
	assert.Equal(t, "v0.0.3", next.Version)
	assert.Len(t, strings.Fields(gitCmd(t, f.root, "log", "-1", "--format=%P")), 1)
}

func TestSetChannelIsJournaled(t *testing.T) {
	f := newFixture(t)

	rec, err := f.manager.SetChannel("Beta")
	require.NoError(t, err)
	assert.True(t, rec.IsBeta)

	require.Len(t, f.recorder.entries, 1)
	assert.Equal(t, OpSetChannel, f.recorder.entries[0].Operation)
	assert.Equal(t, "v0.0.0-B", f.recorder.entries[0].Version)
}

func TestInit(t *testing.T) {
	root := t.TempDir()
	repo, err := git.Init(root)
	require.NoError(t, err)
	writeFile(t, root, "package.json", `{"name": "demo", "version": "1.2.0-B"}`)

	f := newFixtureWith(t, root, &identityless{Repo: repo})

	res, err := f.manager.Init()
	require.NoError(t, err)
	require.True(t, res.Saved)
	assert.Equal(t, "[v1.2.0-B] Initial save", res.Message)
	assert.Equal(t, "Fallback", gitCmd(t, root, "log", "-1", "--format=%an"))

	rec, err := f.versions.ReadState()
	require.NoError(t, err)
	assert.Equal(t, version.Record{Major: 1, Minor: 2, IsBeta: true, IsExternalManifestProject: true}, rec)

	again, err := f.manager.Init()
	require.NoError(t, err)
	assert.False(t, again.Saved)
	assert.Equal(t, []string{OpInit}, f.recorder.ops())
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	first := f.saveFile(t, "a.txt", "1")
	second := f.saveFile(t, "a.txt", "2")

	_, err := f.manager.Undo()
	require.NoError(t, err)

	h, err := f.manager.History(10)
	require.NoError(t, err)
	assert.Equal(t, "main", h.Branch)
	assert.Equal(t, first.Commit, h.Head)
	require.Len(t, h.Checkpoints, 1)
	assert.Equal(t, first.Commit, h.Checkpoints[0].ID)

	require.Len(t, h.Archives, 1)
	arch := h.Archives[0]
	assert.Equal(t, ArchiveUndo, arch.Kind)
	assert.Equal(t, second.Commit, arch.Commit)
	assert.Equal(t, git.ShortID(second.Commit), arch.ShortID)
	assert.True(t, arch.Ahead)
	assert.False(t, arch.Time.IsZero())
}

// identityless hides the repository's configured identity
type identityless struct {
	*git.Repo
}

func (identityless) Identity() (git.Identity, bool) {
	return git.Identity{}, false
}

// flakyStager fails the first native stage-all with err
type flakyStager struct {
	*git.Repo
	err       error
	cliCalled bool
}

func (s *flakyStager) StageAll() error {
	return s.err
}

func (s *flakyStager) StageAllCLI() error {
	s.cliCalled = true
	return s.Repo.StageAllCLI()
}

func TestSaveStagingPathTooLongFallsBackToCLI(t *testing.T) {
	root := setupTestRepo(t)
	repo, err := git.Open(root)
	require.NoError(t, err)

	stager := &flakyStager{Repo: repo, err: fmt.Errorf("add: %w", syscall.ENAMETOOLONG)}
	f := newFixtureWith(t, root, stager)

	writeFile(t, root, "a.txt", "1")
	res, err := f.manager.Save("x", version.Patch, "")
	require.NoError(t, err)
	assert.True(t, res.Saved)
	assert.True(t, stager.cliCalled)
	assert.Empty(t, gitCmd(t, root, "status", "--porcelain"))
}

func TestSaveStagingOtherErrorPropagates(t *testing.T) {
	root := setupTestRepo(t)
	repo, err := git.Open(root)
	require.NoError(t, err)

	stager := &flakyStager{Repo: repo, err: stderrors.New("index locked")}
	f := newFixtureWith(t, root, stager)

	writeFile(t, root, "a.txt", "1")
	_, err = f.manager.Save("x", version.Patch, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index locked")
	assert.False(t, stager.cliCalled)
	_, statErr := os.Stat(filepath.Join(root, ".savepoint", "version.yaml"))
	assert.True(t, os.IsNotExist(statErr), "version must not advance when staging fails")
}
