package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MEGA-M1ND/AgentGuard/pkg/policy"
	"github.com/MEGA-M1ND/AgentGuard/pkg/store"
)

var validEnvironments = map[string]bool{"dev": true, "staging": true, "prod": true}

type createAgentRequest struct {
	Name        string `json:"name"`
	OwnerTeam   string `json:"owner_team"`
	Environment string `json:"environment"`
}

type createAgentResponse struct {
	*store.Agent
	APIKey string `json:"api_key"`
}

// handleCreateAgent registers an agent. The raw API key appears only in
// this response.
func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.OwnerTeam == "" {
		WriteBadRequest(w, "name and owner_team are required")
		return
	}
	if !validEnvironments[req.Environment] {
		WriteBadRequest(w, "environment must be one of dev, staging, prod")
		return
	}

	agent, rawKey, err := s.agents.CreateAgent(r.Context(), req.Name, req.OwnerTeam, req.Environment)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, createAgentResponse{Agent: agent, APIKey: rawKey})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.ListAgents(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if agents == nil {
		agents = []*store.Agent{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"items": agents, "total": len(agents)})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.GetAgent(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "agent not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, agent)
}

// handleDeactivateAgent soft-deactivates; audit history is retained.
func (s *Server) handleDeactivateAgent(w http.ResponseWriter, r *http.Request) {
	err := s.agents.DeactivateAgent(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		WriteNotFound(w, "agent not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// policyDocumentBody is the wire form of a policy's three rule lists.
type policyDocumentBody struct {
	Allow           []policy.Rule `json:"allow"`
	Deny            []policy.Rule `json:"deny"`
	RequireApproval []policy.Rule `json:"require_approval"`
}

// readPolicyBody validates the raw body against the rule schema before
// decoding. Schema failures map to 422 with per-field errors.
func (s *Server) readPolicyBody(w http.ResponseWriter, r *http.Request) (*policyDocumentBody, bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "invalid request body")
		return nil, false
	}
	if issues := policy.ValidateRules(raw); len(issues) > 0 {
		errs := make([]FieldError, 0, len(issues))
		for _, issue := range issues {
			errs = append(errs, FieldError{Field: issue.Field, Message: issue.Message})
		}
		WriteValidationError(w, errs)
		return nil, false
	}

	var body policyDocumentBody
	if err := json.Unmarshal(raw, &body); err != nil {
		WriteBadRequest(w, "invalid request body")
		return nil, false
	}
	// Rules are stored as authored; actions expand to canonical verb:noun
	// form at match time.
	return &body, true
}

func (s *Server) handlePutAgentPolicy(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, err := s.agents.GetAgent(r.Context(), agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "agent not found")
			return
		}
		WriteInternal(w, err)
		return
	}

	body, ok := s.readPolicyBody(w, r)
	if !ok {
		return
	}
	doc := &policy.Document{
		AgentID:         agentID,
		Allow:           body.Allow,
		Deny:            body.Deny,
		RequireApproval: body.RequireApproval,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := s.policies.PutAgentPolicy(r.Context(), doc); err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, doc)
}

func (s *Server) handleGetAgentPolicy(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	doc, err := s.policies.AgentPolicy(r.Context(), agentID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if doc == nil {
		WriteNotFound(w, "no policy set for agent")
		return
	}
	WriteJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePutTeamPolicy(w http.ResponseWriter, r *http.Request) {
	team := r.PathValue("team")
	body, ok := s.readPolicyBody(w, r)
	if !ok {
		return
	}
	doc := &policy.TeamDocument{
		Team:            team,
		Allow:           body.Allow,
		Deny:            body.Deny,
		RequireApproval: body.RequireApproval,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := s.policies.PutTeamPolicy(r.Context(), doc); err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, doc)
}

func (s *Server) handleGetTeamPolicy(w http.ResponseWriter, r *http.Request) {
	doc, err := s.policies.TeamPolicy(r.Context(), r.PathValue("team"))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if doc == nil {
		WriteNotFound(w, "no policy set for team")
		return
	}
	WriteJSON(w, http.StatusOK, doc)
}

var validRoles = map[string]bool{"super-admin": true, "admin": true, "approver": true, "auditor": true}

type createAdminRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
	Team string `json:"team,omitempty"`
}

type createAdminResponse struct {
	*store.AdminUser
	APIKey string `json:"api_key"`
}

// handleCreateAdminUser registers an admin. The raw key appears only here.
func (s *Server) handleCreateAdminUser(w http.ResponseWriter, r *http.Request) {
	var req createAdminRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, "name is required")
		return
	}
	if !validRoles[req.Role] {
		WriteBadRequest(w, "role must be one of super-admin, admin, approver, auditor")
		return
	}

	admin, rawKey, err := s.agents.CreateAdminUser(r.Context(), req.Name, req.Role, req.Team)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, createAdminResponse{AdminUser: admin, APIKey: rawKey})
}
