// internal/database/models.go
package database

import "time"

// Operation is one journaled state-moving operation
type Operation struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	CommitID         string    `json:"commit_id,omitempty"`
	PreviousCommitID string    `json:"previous_commit_id,omitempty"`
	ArchiveRef       string    `json:"archive_ref,omitempty"`
	Version          string    `json:"version,omitempty"`
	Message          string    `json:"message,omitempty"`
	Details          []byte    `json:"-"` // opaque, compressed by the caller
	CreatedAt        time.Time `json:"created_at"`
}
