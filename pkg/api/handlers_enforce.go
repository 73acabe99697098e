package api

import (
	"net/http"
	"time"

	"github.com/MEGA-M1ND/AgentGuard/pkg/audit"
	"github.com/MEGA-M1ND/AgentGuard/pkg/auth"
	"github.com/MEGA-M1ND/AgentGuard/pkg/policy"
	"github.com/MEGA-M1ND/AgentGuard/pkg/store"
)

type enforceRequest struct {
	Action   string         `json:"action"`
	Resource string         `json:"resource,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

type enforceResponse struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	Status     string `json:"status,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// handleEnforce runs the decision engine for the calling agent.
func (s *Server) handleEnforce(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())

	var req enforceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Action == "" {
		WriteBadRequest(w, "action is required")
		return
	}

	verdict, err := s.engine.Decide(r.Context(),
		policy.Subject{AgentID: id.SubjectID, Team: id.Team, Env: id.Env},
		req.Action, req.Resource, req.Context, auth.RequestIDFrom(r.Context()))
	if err != nil {
		// Dependency failures deny the action and surface as 503 so the
		// caller can distinguish an outage from a policy denial.
		WriteServiceUnavailable(w, verdict.Reason)
		return
	}

	s.obs.RecordDecision(verdict.Allowed())

	resp := enforceResponse{Allowed: verdict.Allowed(), Reason: verdict.Reason}
	if verdict.Decision == policy.DecisionPending {
		resp.Status = "pending"
		resp.ApprovalID = verdict.ApprovalID
	}
	WriteJSON(w, http.StatusOK, resp)
}

type createLogRequest struct {
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Allowed   *bool          `json:"allowed"`
	Result    string         `json:"result"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// handleCreateLog appends an agent-submitted entry to the caller's chain.
func (s *Server) handleCreateLog(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())

	var req createLogRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Action == "" || req.Allowed == nil {
		WriteBadRequest(w, "action and allowed are required")
		return
	}
	if req.Result != string(audit.ResultSuccess) && req.Result != string(audit.ResultError) {
		WriteBadRequest(w, "result must be success or error")
		return
	}

	entry := &audit.Entry{
		AgentID:   id.SubjectID,
		Action:    req.Action,
		Resource:  req.Resource,
		Context:   req.Context,
		Allowed:   *req.Allowed,
		Result:    audit.Result(req.Result),
		Metadata:  req.Metadata,
		RequestID: req.RequestID,
	}
	entry, err := s.audits.Append(r.Context(), entry)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, entry)
}

// handleListLogs lists entries. Agents only see their own chain; admins
// may filter by any agent.
func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())
	q := r.URL.Query()

	f := store.LogFilter{
		AgentID: q.Get("agent_id"),
		Action:  q.Get("action"),
		Limit:   intQuery(q.Get("limit"), 100),
		Offset:  intQuery(q.Get("offset"), 0),
	}
	if id.IsAgent() {
		f.AgentID = id.SubjectID
	}
	if v := q.Get("allowed"); v != "" {
		allowed := v == "true" || v == "1"
		f.Allowed = &allowed
	}
	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, "start_time must be RFC 3339")
			return
		}
		f.Since = t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, "end_time must be RFC 3339")
			return
		}
		f.Until = t
	}

	entries, total, err := s.audits.List(r.Context(), f)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"items": entries, "total": total})
}

// handleVerifyChain walks an agent's chain and reports the first break.
func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())

	agentID := r.URL.Query().Get("agent_id")
	if id.IsAgent() {
		agentID = id.SubjectID
	}
	if agentID == "" {
		WriteBadRequest(w, "agent_id is required")
		return
	}

	entries, err := s.audits.EntriesForAgent(r.Context(), agentID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	result, err := audit.VerifyChain(agentID, entries)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func intQuery(v string, def int) int {
	if v == "" {
		return def
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
		if n > 1_000_000 {
			return def
		}
	}
	return n
}
