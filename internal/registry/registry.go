// Package registry tracks live subscriber connections.
//
// The Registry is the only owner of the id → connection map. Its lock
// guards bookkeeping only: callers take a snapshot and perform network
// I/O after the lock is released.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alfredjeanlab/beacon/internal/idgen"
)

// State is the lifecycle state of a subscriber connection.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Conn is a subscriber transport handle.
type Conn interface {
	// Send queues msg for delivery, giving up when ctx is done.
	// Messages passed to Send on one Conn are written in call order.
	Send(ctx context.Context, msg []byte) error
	// State must not block; the registry calls it under its lock.
	State() State
	Close() error
}

// Entry is one registered connection.
type Entry struct {
	ID   string
	Conn Conn
}

// ErrClosed is returned by Register after CloseAll.
var ErrClosed = errors.New("registry closed")

// Registry maps subscriber ids to live connections.
type Registry struct {
	ids *idgen.Sequence

	mu     sync.Mutex
	conns  map[string]Conn
	closed bool
}

// New creates an empty registry with its own id sequence.
func New() (*Registry, error) {
	ids, err := idgen.NewSequence("")
	if err != nil {
		return nil, err
	}
	return &Registry{
		ids:   ids,
		conns: make(map[string]Conn),
	}, nil
}

// Register stores c as a new open connection and returns its id.
// Ids are never reused, even after Unregister.
func (r *Registry) Register(c Conn) (string, error) {
	id := r.ids.Next()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrClosed
	}
	r.conns[id] = c
	return id, nil
}

// Unregister removes id. It reports whether an entry was removed; unknown
// or already-removed ids are a no-op.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// SnapshotOpen returns the entries whose connection reports StateOpen at the
// time of the call. The result is a copy and safe to iterate without the lock.
func (r *Registry) SnapshotOpen() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.conns))
	for id, c := range r.conns {
		if c.State() == StateOpen {
			out = append(out, Entry{ID: id, Conn: c})
		}
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll rejects further registrations, removes every entry and closes
// the connections outside the lock. It returns how many were closed.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	r.closed = true
	conns := make([]Conn, 0, len(r.conns))
	for id, c := range r.conns {
		conns = append(conns, c)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}
