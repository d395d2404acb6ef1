// Package eventlog keeps a durable history of submitted events and what
// became of them.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("event not found")

// fixed width so timestamps sort as text
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type Entry struct {
	ID          string     `json:"id"`
	Peripheral  string     `json:"peripheral"`
	Type        string     `json:"type"`
	Variable    string     `json:"variable,omitempty"`
	Value       any        `json:"value,omitempty"`
	Code        int        `json:"code"`
	Message     string     `json:"message"`
	SubmittedAt time.Time  `json:"submitted_at"`
	Outcome     string     `json:"outcome,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

type Log struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" works for tests.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	// one connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event log: %w", err)
	}
	return &Log{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id           TEXT PRIMARY KEY,
			peripheral   TEXT NOT NULL,
			type         TEXT NOT NULL,
			variable     TEXT NOT NULL DEFAULT '',
			value        TEXT NOT NULL DEFAULT 'null',
			code         INTEGER NOT NULL,
			message      TEXT NOT NULL,
			submitted_at TEXT NOT NULL,
			outcome      TEXT NOT NULL DEFAULT '',
			processed_at TEXT
		);
		CREATE INDEX IF NOT EXISTS events_peripheral ON events (peripheral, submitted_at);
	`)
	return err
}

func (l *Log) Close() error {
	return l.db.Close()
}

// Record stores a submission, accepted or not.
func (l *Log) Record(ctx context.Context, e Entry) error {
	value, err := json.Marshal(e.Value)
	if err != nil {
		return fmt.Errorf("marshal event value: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		"INSERT INTO events (id, peripheral, type, variable, value, code, message, submitted_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.Peripheral, e.Type, e.Variable, string(value), e.Code, e.Message,
		e.SubmittedAt.UTC().Format(timeFormat),
	)
	return err
}

// Complete stores the result of processing a recorded event.
func (l *Log) Complete(ctx context.Context, id, outcome string, at time.Time) error {
	res, err := l.db.ExecContext(ctx,
		"UPDATE events SET outcome = ?, processed_at = ? WHERE id = ?",
		outcome, at.UTC().Format(timeFormat), id,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// List returns the newest events first. An empty peripheral lists all.
func (l *Log) List(ctx context.Context, peripheral string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT id, peripheral, type, variable, value, code, message, submitted_at, outcome, processed_at FROM events"
	args := []any{}
	if peripheral != "" {
		query += " WHERE peripheral = ?"
		args = append(args, peripheral)
	}
	query += " ORDER BY submitted_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                  Entry
		value, submittedAt string
		processedAt        sql.NullString
	)
	err := rows.Scan(&e.ID, &e.Peripheral, &e.Type, &e.Variable, &value, &e.Code, &e.Message, &submittedAt, &e.Outcome, &processedAt)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(value), &e.Value); err != nil {
		return e, fmt.Errorf("unmarshal event value: %w", err)
	}
	if e.SubmittedAt, err = time.Parse(timeFormat, submittedAt); err != nil {
		return e, err
	}
	if processedAt.Valid {
		t, err := time.Parse(timeFormat, processedAt.String)
		if err != nil {
			return e, err
		}
		e.ProcessedAt = &t
	}
	return e, nil
}
