package gateway

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/boxgate/boxgate/internal/gateway/auth"
)

// Tool-call hooks let the agent wrapper inside the sandbox mark external
// tool activity so the hub never idle-pauses under a running tool. They
// carry the session-scoped sandbox token and only act on a locally
// resident hub: without one there is nothing to keep awake.

func (s *Server) handleToolCallStart(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !s.authorizeSandbox(w, r, sessionID) {
		return
	}
	h, ok := s.hubs.Get(sessionID)
	if !ok {
		http.Error(w, "session not resident", http.StatusNotFound)
		return
	}
	h.TrackToolCallStart(chi.URLParam(r, "toolCallID"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToolCallEnd(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !s.authorizeSandbox(w, r, sessionID) {
		return
	}
	h, ok := s.hubs.Get(sessionID)
	if !ok {
		http.Error(w, "session not resident", http.StatusNotFound)
		return
	}
	h.TrackToolCallEnd()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) authorizeSandbox(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || !auth.VerifySandboxToken(s.cfg.ServiceToken, sessionID, token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}
