// Package server exposes the ingestion and subscription endpoints.
//
// A single Server owns the subscriber registry and fans every accepted
// event out over WebSocket, SSE and gRPC subscribers alike.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alfredjeanlab/beacon/internal/broadcast"
	"github.com/alfredjeanlab/beacon/internal/events"
	"github.com/alfredjeanlab/beacon/internal/idgen"
	"github.com/alfredjeanlab/beacon/internal/metrics"
	"github.com/alfredjeanlab/beacon/internal/model"
	"github.com/alfredjeanlab/beacon/internal/registry"
	"github.com/alfredjeanlab/beacon/internal/store"
	"github.com/alfredjeanlab/beacon/internal/ws"
)

const defaultMaxBodyBytes = 1 << 20

// Options configures a Server. Store is required.
type Options struct {
	Store     store.EventStore
	Publisher events.Publisher // nil disables the event mirror
	Logger    *slog.Logger

	// Metrics, when set, receives the feed and HTTP collectors and is
	// served on /metrics.
	Metrics *prometheus.Registry

	SendTimeout  time.Duration
	MaxBodyBytes int64
	WS           ws.Options
}

// Server wires the registry, dispatcher and event store together.
type Server struct {
	registry   *registry.Registry
	dispatcher *broadcast.Dispatcher
	store      store.EventStore
	publisher  events.Publisher
	logger     *slog.Logger

	promRegistry *prometheus.Registry
	feedMetrics  *metrics.FeedMetrics
	httpMetrics  *metrics.HTTPMetrics

	maxBodyBytes int64
	wsOpts       ws.Options
	started      time.Time
	now          func() time.Time

	storeErrors  atomic.Int64
	lastStoreErr atomic.Pointer[store.ErrorKind]
}

// streamWriteWait bounds each SSE and gRPC frame write, matching the
// WebSocket writer.
func (s *Server) streamWriteWait() time.Duration {
	if s.wsOpts.WriteWait > 0 {
		return s.wsOpts.WriteWait
	}
	return ws.DefaultWriteWait
}

// IngestResult describes what happened to one accepted event.
type IngestResult struct {
	Event     *model.Event
	Delivered int
	// StoreErr is the persistence failure, if any. It never fails ingestion.
	StoreErr error
}

// Status is the body of GET /status.
type Status struct {
	Status       string  `json:"status"`
	ActiveAdmins int     `json:"activeAdmins"`
	Uptime       float64 `json:"uptime"`
	StoreErrors  int64   `json:"storeErrors"`
	// LastStoreErrorKind is the kind of the most recent append failure.
	// The error text itself only goes to the log.
	LastStoreErrorKind store.ErrorKind `json:"lastStoreErrorKind,omitempty"`
}

// New creates a Server with an empty subscriber registry.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("server: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NoopPublisher{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.WS.Logger == nil {
		opts.WS.Logger = opts.Logger
	}

	reg, err := registry.New()
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	s := &Server{
		registry:     reg,
		store:        opts.Store,
		publisher:    opts.Publisher,
		logger:       opts.Logger,
		promRegistry: opts.Metrics,
		maxBodyBytes: opts.MaxBodyBytes,
		wsOpts:       opts.WS,
		started:      time.Now(),
		now:          time.Now,
	}
	if opts.Metrics != nil {
		s.feedMetrics = metrics.NewFeedMetrics(opts.Metrics)
		s.httpMetrics = metrics.NewHTTPMetrics(opts.Metrics)
		metrics.RegisterActiveSubscribers(opts.Metrics, reg.Count)
	}
	s.dispatcher = broadcast.NewDispatcher(reg, opts.SendTimeout, s.feedMetrics, opts.Logger)
	return s, nil
}

// Registry returns the subscriber registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Ingest validates raw, enriches it with meta, persists it best-effort,
// mirrors it to the event bus and broadcasts it to every open subscriber.
//
// Only a malformed payload (*model.ValidationError) or an encoding fault
// is returned as an error; persistence and delivery failures are not.
func (s *Server) Ingest(ctx context.Context, raw []byte, meta model.RequestMeta) (IngestResult, error) {
	payload, err := model.ParsePayload(raw)
	if err != nil {
		return IngestResult{}, err
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = s.now()
	}
	if meta.TargetID == "" {
		if meta.TargetID, err = idgen.Generate(); err != nil {
			return IngestResult{}, fmt.Errorf("assign target id: %w", err)
		}
	}
	ev := model.NewEvent(payload, meta)

	msg, err := json.Marshal(model.NewLocationUpdate(ev))
	if err != nil {
		return IngestResult{}, fmt.Errorf("encode location update: %w", err)
	}

	// A producer hanging up must not cut persistence or fan-out short.
	ctx = context.WithoutCancel(ctx)
	res := IngestResult{Event: ev}

	if err := s.store.Append(ctx, ev); err != nil {
		s.recordStoreFailure(ev, err)
		res.StoreErr = err
	}
	if err := s.publisher.Publish(ctx, events.TopicLocationUpdate, ev); err != nil {
		s.logger.Warn("failed to publish event", "topic", events.TopicLocationUpdate, "target_id", ev.TargetID, "err", err)
	}
	res.Delivered = s.dispatcher.Broadcast(ctx, msg).Delivered

	if s.feedMetrics != nil {
		s.feedMetrics.EventsIngested.Inc()
	}
	return res, nil
}

func (s *Server) recordStoreFailure(ev *model.Event, err error) {
	s.storeErrors.Add(1)

	kind := store.KindWrite
	var se *store.Error
	if errors.As(err, &se) {
		kind = se.Kind
	}
	s.lastStoreErr.Store(&kind)
	if s.feedMetrics != nil {
		s.feedMetrics.StoreFailures.WithLabelValues(string(kind)).Inc()
	}

	level := slog.LevelWarn
	if store.IsFatal(err) {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "failed to persist event",
		"target_id", ev.TargetID, "kind", kind, "err", err)
}

// Status reports liveness, the subscriber count and persistence health.
func (s *Server) Status() Status {
	st := Status{
		Status:       "running",
		ActiveAdmins: s.registry.Count(),
		Uptime:       time.Since(s.started).Seconds(),
		StoreErrors:  s.storeErrors.Load(),
	}
	if p := s.lastStoreErr.Load(); p != nil {
		st.LastStoreErrorKind = *p
	}
	return st
}

// CloseSubscribers disconnects every subscriber and refuses new ones.
func (s *Server) CloseSubscribers() int {
	return s.registry.CloseAll()
}
