package policy

// DraftRequest is the shape sent to the external LLM-backed policy draft
// generator. The core does not call the generator; it only consumes drafts
// that conform to DraftResponse.
type DraftRequest struct {
	// Description is the operator's natural-language intent,
	// e.g. "let this agent read files but require approval for deletes".
	Description string `json:"description"`
	AgentID     string `json:"agent_id,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// DraftResponse is a proposed policy document plus the generator's notes.
// Drafts pass through ValidateRules before they can be stored.
type DraftResponse struct {
	Allow           []Rule `json:"allow"`
	Deny            []Rule `json:"deny"`
	RequireApproval []Rule `json:"require_approval"`
	Rationale       string `json:"rationale,omitempty"`
}
