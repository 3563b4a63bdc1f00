package git

import (
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
)

// Status classifications for a single path
const (
	StatusUnmodified = "unmodified"
	StatusModified   = "modified"
	StatusAdded      = "added"
	StatusDeleted    = "deleted"
	StatusRenamed    = "renamed"
	StatusCopied     = "copied"
	StatusConflicted = "conflicted"
	StatusIgnored    = "ignored"
	StatusUntracked  = "untracked"
)

// FileStatus represents the status of a single file
type FileStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// classify folds go-git's staging and worktree codes into one status.
// The staged change wins when there is one.
func classify(fs *git.FileStatus) string {
	if fs.Staging == git.Untracked && fs.Worktree == git.Untracked {
		return StatusUntracked
	}
	if fs.Staging == git.UpdatedButUnmerged || fs.Worktree == git.UpdatedButUnmerged {
		return StatusConflicted
	}

	code := fs.Staging
	if code == git.Unmodified || code == git.Untracked {
		code = fs.Worktree
	}
	if fs.Worktree == git.Deleted {
		code = git.Deleted
	}
	return mapStatusCode(code)
}

// mapStatusCode converts go-git status codes to human-readable strings
func mapStatusCode(code git.StatusCode) string {
	switch code {
	case git.Unmodified:
		return StatusUnmodified
	case git.Untracked:
		return StatusUntracked
	case git.Modified:
		return StatusModified
	case git.Added:
		return StatusAdded
	case git.Deleted:
		return StatusDeleted
	case git.Renamed:
		return StatusRenamed
	case git.Copied:
		return StatusCopied
	case git.UpdatedButUnmerged:
		return StatusConflicted
	default:
		return StatusModified
	}
}

// ParsePorcelain parses `git status --porcelain=v1 -z` output. Rename and
// copy entries report the destination path.
func ParsePorcelain(out string) []FileStatus {
	var entries []FileStatus

	fields := strings.Split(out, "\x00")
	for i := 0; i < len(fields); i++ {
		entry := fields[i]
		if len(entry) < 4 {
			continue
		}

		x, y := entry[0], entry[1]
		path := entry[3:]
		if x == 'R' || x == 'C' {
			// the source path follows as its own field
			i++
		}

		entries = append(entries, FileStatus{Path: path, Status: porcelainCode(x, y)})
	}

	return entries
}

func porcelainCode(x, y byte) string {
	switch {
	case x == '?' && y == '?':
		return StatusUntracked
	case x == '!' && y == '!':
		return StatusIgnored
	case x == 'U' || y == 'U' || (x == 'A' && y == 'A') || (x == 'D' && y == 'D'):
		return StatusConflicted
	case x == 'R' || y == 'R':
		return StatusRenamed
	case x == 'C' || y == 'C':
		return StatusCopied
	case x == 'D' || y == 'D':
		return StatusDeleted
	case x == 'A':
		return StatusAdded
	default:
		return StatusModified
	}
}

func sortStatus(entries []FileStatus) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
}
