package api

import (
	"net/http"
	"strings"
)

type tokenRequest struct {
	AgentKey string `json:"agent_key,omitempty"`
	AdminKey string `json:"admin_key,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleTokenExchange exchanges a raw API key for a bearer token.
func (s *Server) handleTokenExchange(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if (req.AgentKey == "") == (req.AdminKey == "") {
		WriteBadRequest(w, "exactly one of agent_key or admin_key is required")
		return
	}

	var token string
	var expiresIn int
	var err error
	if req.AgentKey != "" {
		token, expiresIn, err = s.gate.ExchangeAgentKey(r, req.AgentKey)
	} else {
		token, expiresIn, err = s.gate.ExchangeAdminKey(r, req.AdminKey)
	}
	if err != nil {
		WriteUnauthorized(w, "invalid or expired token")
		return
	}

	WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   expiresIn,
	})
}

type revokeRequest struct {
	Token string `json:"token,omitempty"`
}

type revokeResponse struct {
	Revoked bool `json:"revoked"`
}

// handleTokenRevoke adds the token's jti to the revocation set. The token
// to revoke comes from the body, falling back to the caller's own bearer.
func (s *Server) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	token := req.Token
	if token == "" {
		token = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	}
	if token == "" {
		WriteBadRequest(w, "token is required")
		return
	}

	if err := s.gate.RevokeToken(r, token); err != nil {
		WriteUnauthorized(w, "invalid or expired token")
		return
	}
	WriteJSON(w, http.StatusOK, revokeResponse{Revoked: true})
}

// handleJWKS publishes the verification key set.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.keys.JWKS())
}
