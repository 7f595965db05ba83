package store

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"syscall"

	"github.com/alfredjeanlab/beacon/internal/model"
)

// EventStore is the append-only durable log of ingested events.
type EventStore interface {
	// Append persists one event. Implementations must be safe for
	// concurrent callers and must not reorder or coalesce events.
	Append(ctx context.Context, event *model.Event) error

	// Export writes every stored event as JSONL, in append order.
	Export(ctx context.Context, w io.Writer) error

	Close() error
}

// ErrorKind classifies a store failure.
type ErrorKind string

const (
	KindSerialize   ErrorKind = "serialize"
	KindWrite       ErrorKind = "write"
	KindPermission  ErrorKind = "permission"
	KindNoSpace     ErrorKind = "no_space"
	KindUnavailable ErrorKind = "unavailable"
)

// Error is returned by Append when an event could not be made durable.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return "store: " + e.Op + " (" + string(e.Kind) + "): " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the fault will not clear without operator action.
func (e *Error) Fatal() bool {
	return e.Kind == KindPermission || e.Kind == KindNoSpace
}

// WrapWrite classifies an I/O error from a write path.
func WrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindWrite
	switch {
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		kind = KindNoSpace
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EROFS):
		kind = KindPermission
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsFatal reports whether err is a store error that needs operator action.
func IsFatal(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Fatal()
}
