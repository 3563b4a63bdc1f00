// internal/database/db.go
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Database wraps the SQLite database connection
type Database struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path
func Open(path string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	d := &Database{db: db}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// init creates the database schema
func (d *Database) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		commit_id TEXT NOT NULL DEFAULT '',
		previous_commit_id TEXT NOT NULL DEFAULT '',
		archive_ref TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		details BLOB,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_operations_created ON operations(created_at);
	CREATE INDEX IF NOT EXISTS idx_operations_kind ON operations(kind);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// RecordOperation appends an operation. CreatedAt defaults to now.
func (d *Database) RecordOperation(op *Operation) error {
	if op.ID == "" {
		return fmt.Errorf("operation id is required")
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}

	_, err := d.db.Exec(`
		INSERT INTO operations
		(id, kind, commit_id, previous_commit_id, archive_ref, version, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Kind, op.CommitID, op.PreviousCommitID, op.ArchiveRef,
		op.Version, op.Message, op.Details, op.CreatedAt.UnixNano())
	return err
}

// GetOperation retrieves an operation by ID
func (d *Database) GetOperation(id string) (*Operation, error) {
	row := d.db.QueryRow(`
		SELECT id, kind, commit_id, previous_commit_id, archive_ref, version, message, details, created_at
		FROM operations WHERE id = ?`, id)
	return scanOperation(row)
}

// ListOperations returns the most recent operations, newest first. A
// non-positive limit returns all of them.
func (d *Database) ListOperations(limit int) ([]*Operation, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := d.db.Query(`
		SELECT id, kind, commit_id, previous_commit_id, archive_ref, version, message, details, created_at
		FROM operations ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// CountOperations returns the number of recorded operations of kind, or of
// every kind when kind is empty
func (d *Database) CountOperations(kind string) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = d.db.QueryRow("SELECT COUNT(*) FROM operations").Scan(&n)
	} else {
		err = d.db.QueryRow("SELECT COUNT(*) FROM operations WHERE kind = ?", kind).Scan(&n)
	}
	return n, err
}

// ArchiveSequence maps each archive ref starting with prefix to the
// sequence number of the last operation that recorded it
func (d *Database) ArchiveSequence(prefix string) (map[string]int64, error) {
	rows, err := d.db.Query(`
		SELECT archive_ref, MAX(seq) FROM operations
		WHERE archive_ref != '' AND substr(archive_ref, 1, length(?)) = ?
		GROUP BY archive_ref`, prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seqs := make(map[string]int64)
	for rows.Next() {
		var ref string
		var seq int64
		if err := rows.Scan(&ref, &seq); err != nil {
			return nil, err
		}
		seqs[ref] = seq
	}
	return seqs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(s scanner) (*Operation, error) {
	op := &Operation{}
	var createdAt int64
	err := s.Scan(&op.ID, &op.Kind, &op.CommitID, &op.PreviousCommitID, &op.ArchiveRef,
		&op.Version, &op.Message, &op.Details, &createdAt)
	if err != nil {
		return nil, err
	}
	op.CreatedAt = time.Unix(0, createdAt)
	return op, nil
}
