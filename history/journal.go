// Package history keeps a sqlite journal of applied connection state
// transitions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	profile_id   TEXT    NOT NULL,
	profile_name TEXT    NOT NULL,
	from_state   TEXT    NOT NULL,
	to_state     TEXT    NOT NULL,
	at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS transitions_profile ON transitions (profile_id);
`

// Entry is one journaled transition.
type Entry struct {
	ID          int64
	ProfileID   string
	ProfileName string
	From        string
	To          string
	At          time.Time
}

// Journal is the transition table of a sqlite database.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	// One writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure history: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Append stores e. The ID of e is ignored.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transitions (profile_id, profile_name, from_state, to_state, at) VALUES (?, ?, ?, ?, ?)`,
		e.ProfileID, e.ProfileName, e.From, e.To, e.At.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, profile_id, profile_name, from_state, to_state, at FROM transitions ORDER BY id DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.ID, &e.ProfileID, &e.ProfileName, &e.From, &e.To, &at); err != nil {
			return nil, fmt.Errorf("failed to read history: %w", err)
		}
		e.At = time.Unix(0, at).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
