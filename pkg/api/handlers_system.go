package api

import (
	"net/http"

	"github.com/MEGA-M1ND/AgentGuard/pkg/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "agentguard",
		"version": s.version,
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady checks the database; a failed ping makes the instance
// not-ready without killing it.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := store.Ping(r.Context(), s.db); err != nil {
		WriteServiceUnavailable(w, "database unavailable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.obs.Snapshot())
}
