package checkpoint

import (
	"fmt"
	"sort"
	"strings"

	"savepoint/internal/git"
)

// BuildMessage renders a commit message describing entries:
//
//	2 files changed
//
//	Changes:
//	added:   foo.txt
//	deleted:   bar.txt
//
// Entries are listed by path so the result is stable for a given tree.
func BuildMessage(entries []git.FileStatus) string {
	sorted := make([]git.FileStatus, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	noun := "files"
	if len(sorted) == 1 {
		noun = "file"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d %s changed\n\nChanges:", len(sorted), noun)
	for _, e := range sorted {
		fmt.Fprintf(&b, "\n%s:   %s", verb(e.Status), e.Path)
	}
	return b.String()
}

func verb(status string) string {
	switch status {
	case git.StatusAdded, git.StatusUntracked:
		return "added"
	case git.StatusDeleted:
		return "deleted"
	case git.StatusRenamed:
		return "renamed"
	default:
		return "modified"
	}
}
