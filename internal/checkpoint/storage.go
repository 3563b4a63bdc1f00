// internal/checkpoint/storage.go
package checkpoint

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"savepoint/internal/database"
	"savepoint/internal/logger"
)

// JournalEntry is one recorded state-moving operation
type JournalEntry struct {
	ID         string    `json:"id"`
	Operation  string    `json:"operation"`
	Commit     string    `json:"commit,omitempty"`
	Previous   string    `json:"previous,omitempty"`
	ArchiveRef string    `json:"archive_ref,omitempty"`
	Version    string    `json:"version,omitempty"`
	Message    string    `json:"message,omitempty"`
	Paths      []string  `json:"paths,omitempty"`
	At         time.Time `json:"at"`
}

// Recorder receives journal entries. Recording is best effort.
type Recorder interface {
	Record(entry JournalEntry) error
}

// ArchiveOrderer is implemented by recorders that know the order in which
// archive refs were created. Larger values are more recent.
type ArchiveOrderer interface {
	ArchiveOrder(prefix string) (map[string]int64, error)
}

// Journal persists operations in SQLite with zstd-compressed path lists
type Journal struct {
	db      *database.Database
	mu      sync.Mutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
}

// OpenJournal opens or creates the journal database at path
func OpenJournal(path string, compressionLevel int, l *slog.Logger) (*Journal, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	return &Journal{
		db:      db,
		encoder: encoder,
		decoder: decoder,
		logger:  logger.OrDiscard(l).With("component", "journal"),
	}, nil
}

// Record implements Recorder. Missing ids and times are filled in.
func (j *Journal) Record(entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}

	var details []byte
	if len(entry.Paths) > 0 {
		details = j.encoder.EncodeAll([]byte(strings.Join(entry.Paths, "\n")), nil)
	}

	err := j.db.RecordOperation(&database.Operation{
		ID:               entry.ID,
		Kind:             entry.Operation,
		CommitID:         entry.Commit,
		PreviousCommitID: entry.Previous,
		ArchiveRef:       entry.ArchiveRef,
		Version:          entry.Version,
		Message:          entry.Message,
		Details:          details,
		CreatedAt:        entry.At,
	})
	if err != nil {
		return fmt.Errorf("record %s: %w", entry.Operation, err)
	}
	j.logger.Debug("recorded", "op", entry.Operation, "id", entry.ID)
	return nil
}

// ArchiveOrder implements ArchiveOrderer from the journal's insertion order
func (j *Journal) ArchiveOrder(prefix string) (map[string]int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	seqs, err := j.db.ArchiveSequence(prefix)
	if err != nil {
		return nil, fmt.Errorf("archive order: %w", err)
	}
	return seqs, nil
}

// List returns up to limit entries, newest first
func (j *Journal) List(limit int) ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	ops, err := j.db.ListOperations(limit)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}

	entries := make([]JournalEntry, 0, len(ops))
	for _, op := range ops {
		entry := JournalEntry{
			ID:         op.ID,
			Operation:  op.Kind,
			Commit:     op.CommitID,
			Previous:   op.PreviousCommitID,
			ArchiveRef: op.ArchiveRef,
			Version:    op.Version,
			Message:    op.Message,
			At:         op.CreatedAt,
		}
		if len(op.Details) > 0 {
			raw, err := j.decoder.DecodeAll(op.Details, nil)
			if err != nil {
				return nil, fmt.Errorf("decode entry %s: %w", op.ID, err)
			}
			entry.Paths = strings.Split(string(raw), "\n")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close releases the database and codecs
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.encoder.Close()
	j.decoder.Close()
	return j.db.Close()
}
