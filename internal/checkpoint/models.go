// internal/checkpoint/models.go
package checkpoint

import (
	"strings"
	"time"

	"savepoint/internal/git"
)

// Operation names used in results and the journal
const (
	OpInit       = "init"
	OpSave       = "save"
	OpUndo       = "undo"
	OpRedo       = "redo"
	OpRestore    = "restore"
	OpMerge      = "merge"
	OpSetChannel = "set-channel"
)

// ArchiveKind tells why a checkpoint was parked
type ArchiveKind string

const (
	ArchiveUndo    ArchiveKind = "undo"
	ArchiveSwapped ArchiveKind = "swapped"
)

const (
	// ArchivePrefix is the namespace of every archive ref
	ArchivePrefix = "archive/"

	// ArchiveTimeLayout sorts lexicographically in time order
	ArchiveTimeLayout = "20060102_150405"
)

// SaveResult reports the outcome of Save
type SaveResult struct {
	Saved    bool             `json:"saved"`
	Commit   string           `json:"commit,omitempty"`
	Previous string           `json:"previous,omitempty"`
	Version  string           `json:"version,omitempty"`
	Message  string           `json:"message,omitempty"`
	Changes  []git.FileStatus `json:"changes"`
}

// NavigationResult reports the outcome of Undo, Redo and Restore
type NavigationResult struct {
	Operation  string `json:"operation"`
	From       string `json:"from,omitempty"`
	To         string `json:"to"`
	ArchiveRef string `json:"archive_ref,omitempty"`
	NoOp       bool   `json:"no_op"`
}

// MergeResult reports the outcome of Merge
type MergeResult struct {
	Source    string          `json:"source"`
	Status    git.MergeStatus `json:"status"`
	Reverted  []string        `json:"reverted,omitempty"`
	Conflicts []string        `json:"conflicts,omitempty"`
}

// ArchiveRef is a parked checkpoint
type ArchiveRef struct {
	Name    string      `json:"name"`
	Kind    ArchiveKind `json:"kind"`
	Time    time.Time   `json:"time"`
	ShortID string      `json:"short_id"`
	Commit  string      `json:"commit"`
	Ahead   bool        `json:"ahead"` // descends from the current tip
}

// History is the checkpoint timeline of the current branch plus every archive ref
type History struct {
	Branch      string       `json:"branch"`
	Head        string       `json:"head,omitempty"`
	Checkpoints []git.Commit `json:"checkpoints"`
	Archives    []ArchiveRef `json:"archives"`
}

// ArchiveName builds archive/<kind>_<yyyyMMdd_HHmmss>_<short-id> in UTC
func ArchiveName(kind ArchiveKind, at time.Time, commit string) string {
	return ArchivePrefix + string(kind) + "_" + at.UTC().Format(ArchiveTimeLayout) + "_" + git.ShortID(commit)
}

// ParseArchiveName splits an archive ref name into its parts
func ParseArchiveName(name string) (ArchiveRef, bool) {
	rest, ok := strings.CutPrefix(name, ArchivePrefix)
	if !ok {
		return ArchiveRef{}, false
	}

	kind, rest, ok := strings.Cut(rest, "_")
	if !ok || (kind != string(ArchiveUndo) && kind != string(ArchiveSwapped)) {
		return ArchiveRef{}, false
	}

	// rest is yyyyMMdd_HHmmss_<short-id>
	if len(rest) < len(ArchiveTimeLayout)+2 || rest[len(ArchiveTimeLayout)] != '_' {
		return ArchiveRef{}, false
	}
	at, err := time.Parse(ArchiveTimeLayout, rest[:len(ArchiveTimeLayout)])
	if err != nil {
		return ArchiveRef{}, false
	}

	return ArchiveRef{
		Name:    name,
		Kind:    ArchiveKind(kind),
		Time:    at,
		ShortID: rest[len(ArchiveTimeLayout)+1:],
	}, true
}
