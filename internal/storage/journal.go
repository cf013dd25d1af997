package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one completed handler invocation.
type Entry struct {
	ID            string        `json:"id"`
	IntegrationID string        `json:"integration_id"`
	Kind          string        `json:"kind"`
	Label         string        `json:"label"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Commands      int           `json:"command_count"`
	Error         string        `json:"error,omitempty"`
}

// Journal appends invocation records and reads back the most recent ones.
type Journal struct {
	db *sql.DB
}

// NewJournal wraps an opened database.
func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// OpenJournal opens the database at path and wraps it.
func OpenJournal(ctx context.Context, path string) (*Journal, error) {
	db, err := OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewJournal(db), nil
}

// Record stores e, assigning an ID when it has none.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var errText any
	if e.Error != "" {
		errText = e.Error
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO invocations(id, integration_id, kind, label, started_at, duration_ms, command_count, error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.ID, e.IntegrationID, e.Kind, e.Label,
		e.StartedAt.UTC().Format(time.RFC3339Nano), e.Duration.Milliseconds(), e.Commands, errText)
	if err != nil {
		return fmt.Errorf("record invocation %s: %w", e.Label, err)
	}
	return nil
}

// Tail returns up to n entries, newest first.
func (j *Journal) Tail(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, integration_id, kind, label, started_at, duration_ms, command_count, COALESCE(error, '')
FROM invocations
ORDER BY started_at DESC, rowid DESC
LIMIT ?;`, n)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			startedAt string
			ms        int64
		)
		if err := rows.Scan(&e.ID, &e.IntegrationID, &e.Kind, &e.Label, &startedAt, &ms, &e.Commands, &e.Error); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		e.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", startedAt, err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
