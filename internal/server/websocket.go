package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/beacon/internal/model"
	"github.com/alfredjeanlab/beacon/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards are served from anywhere; the feed carries no credentials.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket handles GET /ws and upgrades on "/". The connection is registered before the
// handshake acknowledgment is written, and the acknowledgment is always the
// first frame the subscriber sees.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}

	c := ws.NewConn(conn, s.wsOpts)
	id, err := s.registry.Register(c)
	if err != nil {
		s.logger.Info("websocket rejected", "err", err)
		_ = c.Close()
		return
	}
	log := s.logger.With("conn_id", id, "transport", "websocket")
	defer func() {
		s.registry.Unregister(id)
		_ = c.Close()
		log.Info("subscriber disconnected")
	}()

	ack, err := json.Marshal(model.NewAck(id))
	if err != nil {
		log.Error("encode ack", "err", err)
		return
	}
	if err := c.Start(ack); err != nil {
		log.Info("handshake failed", "err", err)
		return
	}
	log.Info("subscriber connected", "remote", clientIP(r))

	if err := c.ReadLoop(); err != nil {
		log.Debug("websocket read ended", "err", err)
	}
}
