// Package signaling implements the rendezvous coordinator.
//
// This file implements the session management HTTP API: a host creates
// a session over plain HTTP before any peer joins over WebSocket.
package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type createSessionRequest struct {
	HostID string `json:"host_id"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	HostID    string `json:"host_id"`
}

// HandleCreateSession registers a new rendezvous session and returns
// its generated id. POST only; the body may carry a host id.
func (s *Server) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.HostID == "" {
		req.HostID = uuid.NewString()
	}

	sessionID := uuid.NewString()
	if err := s.coordinator.CreateSession(sessionID, req.HostID); err != nil {
		logrus.WithFields(logrus.Fields{
			"session_id": sessionID,
			"error":      err,
		}).Error("Session creation failed")
		http.Error(w, "session creation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(createSessionResponse{
		SessionID: sessionID,
		HostID:    req.HostID,
	}); err != nil {
		logrus.WithField("error", err).Debug("Session creation response write failed")
	}
}
