package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/beacon/internal/metrics"
	"github.com/alfredjeanlab/beacon/internal/model"
)

// Response bodies for POST /collect.
const (
	msgCollected      = "Location verified and broadcasted"
	msgInvalidPayload = "Invalid location payload"
	msgInternal       = "Internal server error"
)

type collectResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Delivered *int   `json:"delivered,omitempty"`
}

// NewHTTPHandler returns an http.Handler with all routes registered.
func (s *Server) NewHTTPHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	if s.httpMetrics != nil {
		r.Use(s.httpMetrics.Middleware)
	}

	r.Post("/collect", s.handleCollect)
	r.Get("/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	// Dashboards that open ws://host:port with no path upgrade on the root.
	r.Get("/", s.handleRootUpgrade)
	r.Get("/events", s.handleEventStream)
	if s.promRegistry != nil {
		r.Handle("/metrics", metrics.Handler(s.promRegistry))
	}
	return r
}

// handleCollect handles POST /collect.
func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.logger.Info("collect rejected", "reason", "body too large", "limit", tooLarge.Limit)
		} else {
			s.logger.Info("collect rejected", "reason", "unreadable body", "err", err)
		}
		writeCollectError(w, http.StatusBadRequest, msgInvalidPayload)
		return
	}

	meta := model.RequestMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
	res, err := s.Ingest(r.Context(), body, meta)
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			s.logger.Info("collect rejected", "err", ve)
			writeCollectError(w, http.StatusBadRequest, msgInvalidPayload)
			return
		}
		s.logger.Error("collect failed", "err", err)
		writeCollectError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	writeJSON(w, http.StatusOK, collectResponse{
		Status:    "success",
		Message:   msgCollected,
		Delivered: &res.Delivered,
	})
}

// handleRootUpgrade accepts WebSocket subscriptions on "/". Anything else
// on the root is not found.
func (s *Server) handleRootUpgrade(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}
	s.handleWebSocket(w, r)
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// clientIP returns the caller address. middleware.RealIP has already
// replaced RemoteAddr with the first X-Forwarded-For hop when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// recoverer turns a handler panic into the generic 500 body.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("panic recovered in HTTP handler",
				"path", r.URL.Path,
				"panic", fmt.Sprintf("%v", rec),
				"stack", string(debug.Stack()),
			)
			writeCollectError(w, http.StatusInternalServerError, msgInternal)
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request, as unaryLogging does for RPCs.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeCollectError writes the {"status":"error"} envelope.
func writeCollectError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, collectResponse{Status: "error", Message: message})
}
