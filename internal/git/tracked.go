package git

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type headEntry struct {
	hash plumbing.Hash
	mode filemode.FileMode
}

// trackedStatus compares HEAD with the index, and the index with the
// working-tree copy of each indexed path. Only indexed paths are stat'ed.
func (r *Repo) trackedStatus() ([]FileStatus, error) {
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	head, err := r.headFiles()
	if err != nil {
		return nil, err
	}

	staged := make(map[string]string)
	unstaged := make(map[string]string)
	indexed := make(map[string]bool, len(idx.Entries))

	for _, e := range idx.Entries {
		indexed[e.Name] = true
		if e.Stage != index.Merged {
			staged[e.Name] = StatusConflicted
			continue
		}
		if e.Mode == filemode.Submodule {
			continue
		}

		if h, ok := head[e.Name]; !ok {
			staged[e.Name] = StatusAdded
		} else if h.hash != e.Hash || h.mode != e.Mode {
			staged[e.Name] = StatusModified
		}

		if e.SkipWorktree {
			continue
		}
		code, err := r.worktreeState(e)
		if err != nil {
			return nil, err
		}
		if code != "" {
			unstaged[e.Name] = code
		}
	}
	for name := range head {
		if !indexed[name] {
			staged[name] = StatusDeleted
		}
	}

	entries := make([]FileStatus, 0, len(staged)+len(unstaged))
	for name, code := range staged {
		entries = append(entries, FileStatus{Path: name, Status: code})
	}
	for name, code := range unstaged {
		if _, ok := staged[name]; !ok {
			entries = append(entries, FileStatus{Path: name, Status: code})
		}
	}
	sortStatus(entries)
	return entries, nil
}

// worktreeState reports how the working-tree copy of e differs from the
// index, or "" when it does not
func (r *Repo) worktreeState(e *index.Entry) (string, error) {
	path := filepath.Join(r.path, filepath.FromSlash(e.Name))
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) || stderrors.Is(err, syscall.ENOTDIR) {
			return StatusDeleted, nil
		}
		return "", fmt.Errorf("failed to stat %s: %w", e.Name, err)
	}
	if fi.IsDir() {
		return StatusDeleted, nil
	}

	if mode, err := filemode.NewFromOSFileMode(fi.Mode()); err == nil && mode != e.Mode {
		return StatusModified, nil
	}
	if int64(e.Size) == fi.Size() && e.ModifiedAt.Equal(fi.ModTime()) {
		return "", nil
	}

	var data []byte
	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return "", fmt.Errorf("failed to read link %s: %w", e.Name, err)
		}
		data = []byte(target)
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", e.Name, err)
		}
	}

	if plumbing.ComputeHash(plumbing.BlobObject, data) != e.Hash {
		return StatusModified, nil
	}
	return "", nil
}

// headFiles maps every file in the HEAD tree to its blob and mode. A
// repository without commits has none.
func (r *Repo) headFiles() (map[string]headEntry, error) {
	files := make(map[string]headEntry)

	ref, err := r.repo.Head()
	if err != nil {
		if stderrors.Is(err, plumbing.ErrReferenceNotFound) {
			return files, nil
		}
		return nil, fmt.Errorf("failed to read HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD tree: %w", err)
	}

	err = tree.Files().ForEach(func(f *object.File) error {
		files[f.Name] = headEntry{hash: f.Hash, mode: f.Mode}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk HEAD tree: %w", err)
	}
	return files, nil
}
