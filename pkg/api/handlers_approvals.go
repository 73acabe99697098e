package api

import (
	"errors"
	"net/http"

	"github.com/MEGA-M1ND/AgentGuard/pkg/approval"
	"github.com/MEGA-M1ND/AgentGuard/pkg/auth"
	"github.com/MEGA-M1ND/AgentGuard/pkg/store"
)

type approvalListResponse struct {
	Items        []*store.Approval `json:"items"`
	Total        int               `json:"total"`
	PendingCount int               `json:"pending_count"`
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())
	q := r.URL.Query()
	if v := q.Get("status"); v != "" &&
		v != store.ApprovalPending && v != store.ApprovalApproved && v != store.ApprovalDenied {
		WriteBadRequest(w, "status must be one of pending, approved, denied")
		return
	}

	// Team-scoped admins only see their own team's agents' requests.
	items, total, pending, err := s.approvals.List(r.Context(), store.ApprovalFilter{
		Status:  q.Get("status"),
		AgentID: q.Get("agent_id"),
		Team:    id.Team,
		Limit:   intQuery(q.Get("limit"), 100),
		Offset:  intQuery(q.Get("offset"), 0),
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if items == nil {
		items = []*store.Approval{}
	}
	WriteJSON(w, http.StatusOK, approvalListResponse{Items: items, Total: total, PendingCount: pending})
}

// handleGetApproval serves the poll protocol. Agents may only read their
// own requests.
func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())

	a, err := s.approvals.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "approval not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if id.IsAgent() && a.AgentID != id.SubjectID {
		WriteNotFound(w, "approval not found")
		return
	}
	WriteJSON(w, http.StatusOK, a)
}

type decisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, store.ApprovalApproved)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, store.ApprovalDenied)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, status string) {
	id := auth.IdentityFrom(r.Context())

	var req decisionRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	var a *store.Approval
	var err error
	if status == store.ApprovalApproved {
		a, err = s.approvals.Approve(r.Context(), r.PathValue("id"), id.SubjectID, req.Reason)
	} else {
		a, err = s.approvals.Deny(r.Context(), r.PathValue("id"), id.SubjectID, req.Reason)
	}

	switch {
	case errors.Is(err, approval.ErrReasonRequired):
		WriteBadRequest(w, "decision_reason is required when denying")
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, "approval not found")
	case errors.Is(err, store.ErrAlreadyDecided):
		WriteConflict(w, "approval already decided")
	case err != nil:
		WriteInternal(w, err)
	default:
		WriteJSON(w, http.StatusOK, a)
	}
}

// handleCancelApproval retracts a pending request without deciding it.
func (s *Server) handleCancelApproval(w http.ResponseWriter, r *http.Request) {
	err := s.approvals.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, "approval not found")
	case errors.Is(err, store.ErrAlreadyDecided):
		WriteConflict(w, "only pending approvals can be cancelled")
	case err != nil:
		WriteInternal(w, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
