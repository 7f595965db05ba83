package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alfredjeanlab/beacon/internal/registry"
)

const streamQueueSize = 64

var (
	errStreamTimeout = errors.New("stream send timed out")
	errStreamClosed  = errors.New("stream closed")
)

// queueConn is the registry.Conn for transports whose handler goroutine
// pulls messages and writes them itself (SSE and gRPC streams).
type queueConn struct {
	ch        chan []byte
	done      chan struct{}
	state     atomic.Int32
	stalled   atomic.Bool
	closeOnce sync.Once
}

var _ registry.Conn = (*queueConn)(nil)

func newQueueConn() *queueConn {
	return &queueConn{
		ch:   make(chan []byte, streamQueueSize),
		done: make(chan struct{}),
	}
}

func (c *queueConn) Send(ctx context.Context, msg []byte) error {
	if c.State() != registry.StateOpen {
		return errStreamClosed
	}
	select {
	case c.ch <- msg:
		return nil
	case <-c.done:
		return errStreamClosed
	case <-ctx.Done():
		// The queue stayed full for a whole send timeout, so the peer has
		// stopped reading. Closing drops it from later snapshots and wakes
		// the owner, which tears the stream down.
		c.stalled.Store(true)
		_ = c.Close()
		return fmt.Errorf("%w: %w", errStreamTimeout, ctx.Err())
	}
}

// Stalled reports whether the connection was closed for not keeping up.
func (c *queueConn) Stalled() bool {
	return c.stalled.Load()
}

func (c *queueConn) State() registry.State {
	return registry.State(c.state.Load())
}

// Close wakes the owning handler, which then returns.
func (c *queueConn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(registry.StateClosed))
		close(c.done)
	})
	return nil
}

// markClosing is called by the owner once its peer has gone away.
func (c *queueConn) markClosing() {
	c.state.CompareAndSwap(int32(registry.StateOpen), int32(registry.StateClosing))
}
