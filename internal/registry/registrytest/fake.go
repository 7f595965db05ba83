// Package registrytest provides an in-memory registry.Conn for tests.
package registrytest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/alfredjeanlab/beacon/internal/registry"
)

// ErrInjected is returned by Send when a Conn is configured to fail.
var ErrInjected = errors.New("injected transport fault")

// Conn records every message sent to it.
type Conn struct {
	// Fail makes every Send return ErrInjected.
	Fail bool
	// Block makes Send wait until ctx is done.
	Block bool

	state    atomic.Int32
	attempts atomic.Int64

	mu   sync.Mutex
	msgs [][]byte
}

var _ registry.Conn = (*Conn)(nil)

// NewConn returns an open fake connection.
func NewConn() *Conn {
	return &Conn{}
}

func (c *Conn) Send(ctx context.Context, msg []byte) error {
	c.attempts.Add(1)
	if c.Fail {
		return ErrInjected
	}
	if c.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte(nil), msg...))
	return nil
}

func (c *Conn) State() registry.State {
	return registry.State(c.state.Load())
}

// SetState forces the reported state.
func (c *Conn) SetState(s registry.State) {
	c.state.Store(int32(s))
}

func (c *Conn) Close() error {
	c.state.Store(int32(registry.StateClosed))
	return nil
}

// Attempts returns the number of Send calls, successful or not.
func (c *Conn) Attempts() int {
	return int(c.attempts.Load())
}

// Messages returns a copy of the delivered messages in order.
func (c *Conn) Messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.msgs...)
}
