// Package sqlite implements store.EventStore on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/alfredjeanlab/beacon/internal/model"
	"github.com/alfredjeanlab/beacon/internal/store"
)

// SQLiteStore keeps events in a single local database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ store.EventStore = (*SQLiteStore)(nil)

// Open opens the database at path and creates the events table if needed.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; one connection serializes appends.
	db.SetMaxOpenConns(1)

	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		return err
	}

	const eventsTable = `
    CREATE TABLE IF NOT EXISTS events (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        target_id TEXT NOT NULL UNIQUE,
        received_at TIMESTAMP NOT NULL,
        payload TEXT NOT NULL
    );`
	if _, err := db.ExecContext(ctx, eventsTable); err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, event *model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return &store.Error{Kind: store.KindSerialize, Op: "marshal event", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO events (target_id, received_at, payload) VALUES (?, ?, ?)`,
		event.TargetID, event.Timestamp, string(payload))
	if err != nil {
		return classify("insert event", err)
	}
	return nil
}

func (s *SQLiteStore) Export(ctx context.Context, w io.Writer) error {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM events ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		if _, err := io.WriteString(w, payload+"\n"); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classify maps the driver's result code onto store error kinds. The low
// byte is the primary code, so extended codes such as
// SQLITE_READONLY_DBMOVED classify with their family.
func classify(op string, err error) error {
	if errors.Is(err, sql.ErrConnDone) {
		return &store.Error{Kind: store.KindUnavailable, Op: op, Err: err}
	}
	var se *sqlitedrv.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_FULL:
			return &store.Error{Kind: store.KindNoSpace, Op: op, Err: err}
		case sqlite3.SQLITE_READONLY, sqlite3.SQLITE_PERM:
			return &store.Error{Kind: store.KindPermission, Op: op, Err: err}
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN:
			return &store.Error{Kind: store.KindUnavailable, Op: op, Err: err}
		}
	}
	return &store.Error{Kind: store.KindWrite, Op: op, Err: err}
}
