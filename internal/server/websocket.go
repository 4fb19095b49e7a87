package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/pot"
)

// WebSocket message types
const (
	MessageTypeResult    = "result"
	MessageTypeHeartbeat = "heartbeat"
)

// WSMessage is one frame of the live result feed.
type WSMessage struct {
	Type      string               `json:"type"`
	Result    *pot.DetectionResult `json:"result,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// defaultOrigins are accepted when no allow list is configured.
// They cover local frontend dev servers.
var defaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

// newUpgrader builds a websocket upgrader whose origin check honors the
// configured allow list. An empty list falls back to the development
// defaults, "*" accepts everything, and requests without an Origin
// header (non-browser clients) are always allowed.
func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := allowedOrigins
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) {
					return true
				}
			}
			return false
		},
	}
}

// handleLive upgrades to a WebSocket and streams the stream's detection
// results as they are produced. The stream must already be known.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request, name string) {
	runner, ok := s.manager.Lookup(name)
	if !ok {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	upgrader := newUpgrader(s.config.Server.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("stream", name), zap.Error(err))
		return
	}

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()
	defer conn.Close()

	results, unsubscribe := runner.Subscribe()
	defer unsubscribe()

	s.logger.Info("live feed opened", zap.String("stream", name))
	defer s.logger.Info("live feed closed", zap.String("stream", name))

	// The read loop only detects client departure; inbound frames are
	// discarded.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			metrics.WebSocketMessagesTotal.WithLabelValues("inbound").Inc()
		}
	}()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-done:
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			if err := s.sendWS(conn, &WSMessage{
				Type:      MessageTypeResult,
				Result:    &res,
				Timestamp: time.Now(),
			}); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := s.sendWS(conn, &WSMessage{
				Type:      MessageTypeHeartbeat,
				Timestamp: time.Now(),
			}); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendWS(conn *websocket.Conn, msg *WSMessage) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}
	metrics.WebSocketMessagesTotal.WithLabelValues("outbound").Inc()
	return nil
}
