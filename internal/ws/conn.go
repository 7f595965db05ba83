// Package ws adapts a gorilla WebSocket to registry.Conn.
//
// Every Conn owns one buffered outbound queue and one writer goroutine, so
// frames are written in the order Send was called. The reader only services
// control frames and detects disconnects; client data frames are discarded.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/alfredjeanlab/beacon/internal/registry"
)

const (
	DefaultPingInterval = 45 * time.Second
	DefaultPongWait     = 60 * time.Second
	DefaultWriteWait    = 10 * time.Second
	DefaultQueueSize    = 64

	maxClientMessage = 4096
)

var (
	// ErrSendTimeout is returned when the outbound queue stays full until ctx is done.
	ErrSendTimeout = errors.New("ws: send timed out")
	// ErrQueueClosed is returned by Send once the connection is closing.
	ErrQueueClosed = errors.New("ws: connection closed")
)

// Options tune a Conn. Zero values select the defaults.
type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	QueueSize    int
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn is a subscriber connection backed by a WebSocket.
type Conn struct {
	conn *websocket.Conn
	opts Options

	send      chan []byte
	done      chan struct{}
	state     atomic.Int32
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ registry.Conn = (*Conn)(nil)

// NewConn wraps an upgraded connection. Messages sent before Start are
// queued and written after the greeting.
func NewConn(conn *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		conn: conn,
		opts: opts,
		send: make(chan []byte, opts.QueueSize),
		done: make(chan struct{}),
	}
}

// Start writes greeting as the first frame and then starts the writer.
// A nil greeting skips straight to the writer.
func (c *Conn) Start(greeting []byte) error {
	var err error
	c.startOnce.Do(func() {
		if greeting != nil {
			c.setWriteDeadline()
			if err = c.conn.WriteMessage(websocket.TextMessage, greeting); err != nil {
				err = fmt.Errorf("write greeting: %w", err)
				c.fail()
				return
			}
		}
		c.wg.Add(1)
		go c.writeLoop()
	})
	return err
}

// Send queues msg for the writer. It fails with ErrQueueClosed once the
// connection is closing and with ErrSendTimeout if ctx ends while the
// queue is full.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	if c.State() != registry.StateOpen {
		return ErrQueueClosed
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSendTimeout, ctx.Err())
	}
}

func (c *Conn) State() registry.State {
	return registry.State(c.state.Load())
}

// ReadLoop blocks until the peer goes away or the connection is closed.
// It must be called from exactly one goroutine.
func (c *Conn) ReadLoop() error {
	c.conn.SetReadLimit(maxClientMessage)
	c.setReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.setReadDeadline()
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.state.CompareAndSwap(int32(registry.StateOpen), int32(registry.StateClosing))
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
	}
}

// Close stops the writer, sends a going-away close frame and closes the
// socket. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(registry.StateClosing))
		close(c.done)
		c.wg.Wait()

		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, c.opts.Clock.Now().Add(c.opts.WriteWait))
		err = c.conn.Close()
		c.state.Store(int32(registry.StateClosed))
	})
	return err
}

func (c *Conn) writeLoop() {
	ticker := c.opts.Clock.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	defer c.wg.Done()

	for {
		select {
		case msg := <-c.send:
			c.setWriteDeadline()
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.opts.Logger.Debug("websocket write failed", "err", err)
				c.fail()
				return
			}
		case <-ticker.Chan():
			c.setWriteDeadline()
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.opts.Logger.Debug("websocket ping failed", "err", err)
				c.fail()
				return
			}
		case <-c.done:
			return
		}
	}
}

// fail marks the connection closing and drops the socket so ReadLoop
// returns and the owner runs its teardown.
func (c *Conn) fail() {
	c.state.CompareAndSwap(int32(registry.StateOpen), int32(registry.StateClosing))
	_ = c.conn.NetConn().Close()
}

func (c *Conn) setWriteDeadline() {
	_ = c.conn.SetWriteDeadline(c.opts.Clock.Now().Add(c.opts.WriteWait))
}

func (c *Conn) setReadDeadline() {
	_ = c.conn.SetReadDeadline(c.opts.Clock.Now().Add(c.opts.PongWait))
}
