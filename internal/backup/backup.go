// Package backup periodically copies the event log to off-host destinations.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Source produces a JSONL snapshot of the event log.
// store.EventStore satisfies it.
type Source interface {
	Export(ctx context.Context, w io.Writer) error
}

// Destination receives a full JSONL snapshot on every run.
type Destination interface {
	Name() string
	Write(ctx context.Context, data []byte) error
}

// Scheduler exports the log and writes it to every destination on a fixed
// interval. It runs once immediately on Start.
type Scheduler struct {
	src          Source
	destinations []Destination
	interval     time.Duration
	clock        clockwork.Clock
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. A nil clock uses the real clock.
func NewScheduler(src Source, destinations []Destination, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		src:          src,
		destinations: destinations,
		interval:     interval,
		clock:        clock,
		logger:       logger,
	}
}

func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the loop and waits for an in-flight run to finish.
// It is safe to call without Start.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	_ = s.RunOnce(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			_ = s.RunOnce(ctx)
		}
	}
}

// RunOnce exports the log and writes the snapshot to each destination.
// A failing destination does not prevent writes to the others; the
// returned error joins every failure.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var buf bytes.Buffer
	if err := s.src.Export(ctx, &buf); err != nil {
		s.logger.Error("backup export failed", "err", err)
		return fmt.Errorf("export: %w", err)
	}
	data := buf.Bytes()

	var errs []error
	for _, dest := range s.destinations {
		if err := dest.Write(ctx, data); err != nil {
			s.logger.Error("backup destination write failed", "destination", dest.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", dest.Name(), err))
		}
	}

	s.logger.Info("backup completed", "destinations", len(s.destinations), "bytes", len(data), "failed", len(errs))
	return errors.Join(errs...)
}
