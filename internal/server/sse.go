package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alfredjeanlab/beacon/internal/model"
)

// sseKeepaliveInterval is how often keepalive comments are sent to
// prevent proxy and browser timeouts.
const sseKeepaliveInterval = 15 * time.Second

// handleEventStream handles GET /events (SSE endpoint). Subscribers get the
// same messages as WebSocket subscribers, one JSON object per data frame.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	// Ensure response supports flushing (required for SSE).
	if _, ok := w.(http.Flusher); !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	c := newQueueConn()
	id, err := s.registry.Register(c)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "server shutting down"})
		return
	}
	log := s.logger.With("conn_id", id, "transport", "sse")
	defer func() {
		c.markClosing()
		s.registry.Unregister(id)
		_ = c.Close()
		log.Info("subscriber disconnected")
	}()

	ack, err := json.Marshal(model.NewAck(id))
	if err != nil {
		log.Error("encode ack", "err", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)

	// Every frame gets a write deadline so a peer that stops reading
	// fails the write instead of pinning this goroutine.
	rc := http.NewResponseController(w)
	writeWait := s.streamWriteWait()
	write := func(frame func() error) error {
		if err := rc.SetWriteDeadline(time.Now().Add(writeWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		if err := frame(); err != nil {
			return err
		}
		return rc.Flush()
	}

	if err := write(func() error { return writeSSEData(w, ack) }); err != nil {
		log.Debug("sse ack write failed", "err", err)
		return
	}
	log.Info("subscriber connected", "remote", clientIP(r))

	ctx := r.Context()
	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			if c.Stalled() {
				log.Warn("dropping stalled subscriber")
			}
			return
		case msg := <-c.ch:
			if err := write(func() error { return writeSSEData(w, msg) }); err != nil {
				log.Warn("sse write failed, dropping subscriber", "err", err)
				return
			}
		case <-keepalive.C:
			if err := write(func() error {
				_, err := io.WriteString(w, ":keepalive\n\n")
				return err
			}); err != nil {
				log.Warn("sse keepalive failed, dropping subscriber", "err", err)
				return
			}
		}
	}
}

// writeSSEData writes one message as a single data frame. Encoded JSON never
// contains a raw newline, so one data line is always enough.
func writeSSEData(w io.Writer, data []byte) error {
	_, err := fmt.Fprintf(w, "data:%s\n\n", data)
	return err
}
