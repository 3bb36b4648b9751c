package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer. Clients only send control
	// frames on this stream.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API is intended to sit behind a trusted gateway; origin
		// enforcement happens there.
		return true
	},
}

// handleSessionStream upgrades the connection and streams one session's
// step and status events until the session finishes or the peer leaves.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.manager.Get(id)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Error("Failed to upgrade connection to WebSocket", zap.Error(err))
		return
	}
	s.logger.Info("Session stream opened.",
		zap.String("session_id", id),
		zap.String("remote_addr", r.RemoteAddr))

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	// The read pump only consumes control frames; it unblocks the writer
	// when the peer closes the connection.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		conn.SetReadLimit(maxMessageSize)
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("Session stream closed unexpectedly.", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		<-peerGone
	}()

	for {
		select {
		case ev, ok := <-events:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// The session finished and the event channel drained.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("Writing session event failed.", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-peerGone:
			return
		}
	}
}
