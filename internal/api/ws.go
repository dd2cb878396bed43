package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"scenariomaker/internal/scenario"
)

const wsWriteTimeout = 10 * time.Second

// wsSubscriber adapts a websocket connection to scenario.Subscriber. The
// mutex serializes pipeline events with pong replies so frames never
// interleave on the wire.
type wsSubscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (ws *wsSubscriber) Send(evt scenario.ProgressEvent) error {
	return ws.writeJSON(evt)
}

func (ws *wsSubscriber) writeJSON(v any) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if err := ws.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return ws.conn.WriteJSON(v)
}

// subscribeProgress upgrades the connection and attaches it to the client's
// event stream. Any inbound message is treated as a keep-alive and answered
// with a pong; the subscription ends when the read loop fails.
func (s *Server) subscribeProgress(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
		return
	}
	sub := &wsSubscriber{conn: conn}
	if err := s.hub.Attach(clientID, sub); err != nil {
		s.logger.Warn("subscriber attach failed",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
		conn.Close()
		return
	}
	s.logger.Info("progress subscriber connected", zap.String("client_id", clientID))
	defer func() {
		s.hub.Detach(clientID, sub)
		conn.Close()
		s.logger.Info("progress subscriber disconnected", zap.String("client_id", clientID))
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		pong := map[string]any{
			"type":      "pong",
			"timestamp": s.clock.Now().Unix(),
		}
		if err := sub.writeJSON(pong); err != nil {
			return
		}
	}
}
