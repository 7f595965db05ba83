// Package jsonl implements store.EventStore as an append-only file of
// newline-delimited JSON events.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/alfredjeanlab/beacon/internal/model"
	"github.com/alfredjeanlab/beacon/internal/store"
)

// FileStore appends one JSON line per event to a single file.
type FileStore struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// Compile-time check that FileStore implements store.EventStore.
var _ store.EventStore = (*FileStore)(nil)

// Open opens (or creates) the log at path for appending.
func Open(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, store.WrapWrite("open "+path, err)
	}
	return &FileStore{path: path, f: f}, nil
}

// Append writes the event as a single line. The whole line goes out in one
// Write call under the lock so concurrent appends never interleave.
func (s *FileStore) Append(_ context.Context, event *model.Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return &store.Error{Kind: store.KindSerialize, Op: "marshal event", Err: err}
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return &store.Error{Kind: store.KindUnavailable, Op: "append", Err: os.ErrClosed}
	}
	if _, err := s.f.Write(line); err != nil {
		return store.WrapWrite("append", err)
	}
	return nil
}

// Export copies the log as written so far. Lines appended while the copy
// runs may or may not be included; a partial trailing line never is.
func (s *FileStore) Export(ctx context.Context, w io.Writer) error {
	s.mu.Lock()
	var size int64
	if s.f != nil {
		if info, err := s.f.Stat(); err == nil {
			size = info.Size()
		}
	}
	s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := io.Copy(w, io.LimitReader(f, size)); err != nil {
		return fmt.Errorf("copy log: %w", err)
	}
	return nil
}

// Close flushes and closes the file. Appends after Close fail with
// store.KindUnavailable.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
