package api

import (
	"net/http"

	"github.com/MEGA-M1ND/AgentGuard/pkg/auth"
)

// handleReportSummary serves the compliance summary. Team-scoped admins
// only see aggregates for their own team's agents.
func (s *Server) handleReportSummary(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())

	days := intQuery(r.URL.Query().Get("days"), 30)
	if days < 1 || days > 365 {
		WriteBadRequest(w, "days must be between 1 and 365")
		return
	}

	sum, err := s.reports.Summary(r.Context(), id.Team, days)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sum)
}
