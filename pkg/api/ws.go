package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/offloadmq/offloadmq/pkg/apperr"
	"github.com/offloadmq/offloadmq/pkg/log"
)

// HeartbeatInterval is the cadence of server-pushed websocket heartbeats.
const HeartbeatInterval = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type wsMessage struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId,omitempty"`
	Message   string `json:"message,omitempty"`
	Counter   uint64 `json:"counter,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// handleAgentWS upgrades an agent connection authenticated via the token
// query parameter, sends a connected frame, then heartbeats until either
// side closes.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, apperr.Authentication("missing token"))
		return
	}

	uid, err := s.broker.Issuer().Verify(token)
	if err != nil {
		writeError(w, err)
		return
	}
	agent := s.broker.Agents().Get(uid)
	if agent == nil {
		writeError(w, apperr.Authorization("agent not found"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		return
	}

	logger := log.WithAgent(agent.UIDShort)
	logger.Info().Msg("agent connected via websocket")
	go s.serveAgentWS(conn, agent.UIDShort)
}

func (s *Server) serveAgentWS(conn *websocket.Conn, agentShort string) {
	defer conn.Close()
	logger := log.WithAgent(agentShort)

	welcome := wsMessage{
		Type:    "connected",
		AgentID: agentShort,
		Message: "WebSocket connection established",
	}
	if err := conn.WriteJSON(welcome); err != nil {
		logger.Warn().Err(err).Msg("websocket welcome failed")
		return
	}

	done := make(chan struct{})

	// Reader: drains agent frames and detects close.
	go func() {
		defer close(done)
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage {
				logger.Debug().Str("frame", string(data)).Msg("websocket frame received")
			}
		}
	}()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	var counter uint64
	for {
		select {
		case <-ticker.C:
			counter++
			beat := wsMessage{
				Type:      "heartbeat",
				Counter:   counter,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}
			if err := conn.WriteJSON(beat); err != nil {
				logger.Debug().Err(err).Msg("websocket heartbeat failed")
				return
			}
		case <-done:
			logger.Info().Msg("websocket connection closed")
			return
		case <-s.stopCh:
			return
		}
	}
}
