// Package broadcast fans one message out to every open subscriber.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alfredjeanlab/beacon/internal/metrics"
	"github.com/alfredjeanlab/beacon/internal/registry"
)

// DefaultSendTimeout bounds how long one subscriber may hold up its own delivery.
const DefaultSendTimeout = 5 * time.Second

// Snapshotter is the part of the registry the dispatcher reads.
type Snapshotter interface {
	SnapshotOpen() []registry.Entry
}

// Result summarizes one broadcast pass.
type Result struct {
	Attempted int
	Delivered int
	Failed    int
}

// Dispatcher delivers messages to a snapshot of open connections.
// It never mutates the registry: a failed send is left for the
// connection's own close path to unregister.
type Dispatcher struct {
	conns       Snapshotter
	sendTimeout time.Duration
	metrics     *metrics.FeedMetrics
	logger      *slog.Logger
}

// NewDispatcher creates a dispatcher. A zero sendTimeout selects
// DefaultSendTimeout; m may be nil.
func NewDispatcher(conns Snapshotter, sendTimeout time.Duration, m *metrics.FeedMetrics, logger *slog.Logger) *Dispatcher {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		conns:       conns,
		sendTimeout: sendTimeout,
		metrics:     m,
		logger:      logger,
	}
}

// Broadcast sends msg to every connection that is open at snapshot time.
// Sends run concurrently, each bounded by the send timeout, so one slow or
// broken subscriber only costs its own delivery.
func (d *Dispatcher) Broadcast(ctx context.Context, msg []byte) Result {
	entries := d.conns.SnapshotOpen()
	if len(entries) == 0 {
		return Result{}
	}

	var (
		delivered atomic.Int64
		wg        sync.WaitGroup
	)
	for _, e := range entries {
		wg.Add(1)
		go func(e registry.Entry) {
			defer wg.Done()
			if d.send(ctx, e, msg) {
				delivered.Add(1)
			}
		}(e)
	}
	wg.Wait()

	res := Result{Attempted: len(entries), Delivered: int(delivered.Load())}
	res.Failed = res.Attempted - res.Delivered
	d.logger.Info("broadcast sent", "delivered", res.Delivered, "failed", res.Failed)
	return res
}

func (d *Dispatcher) send(ctx context.Context, e registry.Entry, msg []byte) bool {
	// A subscriber that closed after the snapshot is skipped, not an error.
	if e.Conn.State() != registry.StateOpen {
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	start := time.Now()
	err := e.Conn.Send(sendCtx, msg)
	if d.metrics != nil {
		d.metrics.SendDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		d.logger.Warn("subscriber send failed", "conn_id", e.ID, "err", err)
		d.observe(metrics.ResultFailed)
		return false
	}
	d.observe(metrics.ResultDelivered)
	return true
}

func (d *Dispatcher) observe(result string) {
	if d.metrics != nil {
		d.metrics.Deliveries.WithLabelValues(result).Inc()
	}
}
