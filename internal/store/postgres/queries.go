package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/lib/pq"

	"github.com/alfredjeanlab/beacon/internal/model"
	"github.com/alfredjeanlab/beacon/internal/store"
)

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLSTATE codes that need an operator rather than a retry.
const (
	codeDiskFull              = "53100"
	codeInsufficientPrivilege = "42501"
)

func queryAppendEvent(ctx context.Context, db executor, e *model.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return &store.Error{Kind: store.KindSerialize, Op: "marshal event", Err: err}
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO events (target_id, received_at, payload)
		VALUES ($1, $2, $3)`,
		e.TargetID, e.Timestamp, payload,
	)
	if err != nil {
		return classify("insert event", err)
	}
	return nil
}

func queryExportEvents(ctx context.Context, db executor, w io.Writer) error {
	rows, err := db.QueryContext(ctx, `SELECT payload FROM events ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		if _, err := w.Write(append(payload, '\n')); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	return rows.Err()
}

func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case codeDiskFull:
			return &store.Error{Kind: store.KindNoSpace, Op: op, Err: err}
		case codeInsufficientPrivilege:
			return &store.Error{Kind: store.KindPermission, Op: op, Err: err}
		}
		return &store.Error{Kind: store.KindWrite, Op: op, Err: err}
	}
	return &store.Error{Kind: store.KindUnavailable, Op: op, Err: err}
}
