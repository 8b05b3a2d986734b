package server

import (
	"net/http"

	"github.com/aeolun/chatrelay/pkg/transport"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  transport.BufferSize,
	WriteBufferSize: transport.BufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket upgrades the request and runs it as a session, subject to
// the same connection limit as TCP
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.sessions.Count() >= s.config.MaxConnections {
		s.metrics.RecordConnectionRejected()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	go s.handleConnection(transport.NewWebSocketConn(ws), "websocket")
}
