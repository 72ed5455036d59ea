// Package signaling implements the rendezvous coordinator.
//
// This file binds the coordinator to its WebSocket transport. Each
// client holds one persistent connection: a writer goroutine drains
// the peer's outbound channel while the read loop decodes and
// dispatches inbound messages. Handler errors are relayed back as
// Error messages; only transport failures close the channel.
package signaling

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// outboundBuffer is the per-peer outbound channel depth. A peer that
// falls this far behind starts losing broadcasts.
const outboundBuffer = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes the coordinator over WebSocket.
type Server struct {
	coordinator *Coordinator
}

// NewServer creates a WebSocket front end for the coordinator.
func NewServer(coordinator *Coordinator) *Server {
	return &Server{coordinator: coordinator}
}

// Coordinator returns the underlying coordinator.
func (s *Server) Coordinator() *Coordinator {
	return s.coordinator
}

// HandleWS upgrades an HTTP request and services the signaling
// connection until the client disconnects.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithField("error", err).Warn("WebSocket upgrade failed")
		return
	}
	s.serveConn(conn)
}

func (s *Server) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	// The outbound channel is never closed: handlers running on other
	// connections hold *Peer references and may still send after this
	// connection is gone. The writer is stopped through quit instead,
	// and late sends land in a channel nothing drains.
	out := make(chan Message, outboundBuffer)
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case msg := <-out:
				if err := conn.WriteJSON(msg); err != nil {
					logrus.WithField("error", err).Debug("Signaling write failed")
					return
				}
			case <-quit:
				return
			}
		}
	}()

	st := &ConnState{}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithField("error", err).Debug("Signaling connection error")
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"error": err,
				"bytes": len(data),
			}).Warn("Discarding malformed signaling message")
			continue
		}

		if err := s.coordinator.HandleMessage(msg, out, st); err != nil {
			logrus.WithFields(logrus.Fields{
				"type":       string(msg.Type),
				"session_id": msg.SessionID,
				"peer_id":    msg.PeerID,
				"error":      err,
			}).Warn("Signaling message failed")
			select {
			case out <- Message{Type: TypeError, SessionID: msg.SessionID, Error: err.Error()}:
			default:
			}
		}
	}

	s.coordinator.HandleDisconnect(st)
	close(quit)
	<-done
}
