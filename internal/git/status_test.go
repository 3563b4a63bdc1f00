package git

import (
	"testing"

	"github.com/go-git/go-git/v5"
)

func TestParsePorcelain(t *testing.T) {
	out := " M modified.txt\x00A  added.txt\x00D  deleted.txt\x00R  new-name.txt\x00old-name.txt\x00" +
		"?? untracked.txt\x00!! ignored.log\x00UU conflict.txt\x00 D worktree-deleted.txt\x00"

	got := ParsePorcelain(out)
	want := []FileStatus{
		{Path: "modified.txt", Status: StatusModified},
		{Path: "added.txt", Status: StatusAdded},
		{Path: "deleted.txt", Status: StatusDeleted},
		{Path: "new-name.txt", Status: StatusRenamed},
		{Path: "untracked.txt", Status: StatusUntracked},
		{Path: "ignored.log", Status: StatusIgnored},
		{Path: "conflict.txt", Status: StatusConflicted},
		{Path: "worktree-deleted.txt", Status: StatusDeleted},
	}

	if len(got) != len(want) {
		t.Fatalf("ParsePorcelain returned %d entries, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParsePorcelainEmpty(t *testing.T) {
	if got := ParsePorcelain(""); len(got) != 0 {
		t.Errorf("Expected no entries, got %+v", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		fs   git.FileStatus
		want string
	}{
		{git.FileStatus{Staging: git.Untracked, Worktree: git.Untracked}, StatusUntracked},
		{git.FileStatus{Staging: git.Unmodified, Worktree: git.Modified}, StatusModified},
		{git.FileStatus{Staging: git.Added, Worktree: git.Unmodified}, StatusAdded},
		{git.FileStatus{Staging: git.Added, Worktree: git.Deleted}, StatusDeleted},
		{git.FileStatus{Staging: git.Renamed, Worktree: git.Unmodified}, StatusRenamed},
		{git.FileStatus{Staging: git.UpdatedButUnmerged, Worktree: git.Modified}, StatusConflicted},
		{git.FileStatus{Staging: git.Unmodified, Worktree: git.Unmodified}, StatusUnmodified},
	}

	for _, tt := range tests {
		fs := tt.fs
		if got := classify(&fs); got != tt.want {
			t.Errorf("classify(%+v) = %q, want %q", tt.fs, got, tt.want)
		}
	}
}
