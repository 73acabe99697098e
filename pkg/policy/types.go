// Package policy implements the AgentGuard policy model: rule normalization,
// wildcard matching, conditional guards, and the three-way decision engine.
package policy

import "time"

// Rule is a single policy rule. Action and Resource are glob patterns;
// Conditions, when present, are AND-ed guards that must all hold for the
// rule to fire.
type Rule struct {
	Action     string      `json:"action"`
	Resource   string      `json:"resource,omitempty"`
	Conditions *Conditions `json:"conditions,omitempty"`
}

// Conditions guards a rule. Every present predicate must pass.
type Conditions struct {
	Env       []string   `json:"env,omitempty"`
	TimeRange *TimeRange `json:"time_range,omitempty"`
	DayOfWeek []string   `json:"day_of_week,omitempty"`
	// Expr is an optional CEL expression over {env, action, resource, context}.
	Expr string `json:"expr,omitempty"`
}

// TimeRange is a UTC wall-clock window. When End < Start the window wraps
// midnight (e.g. 22:00-06:00).
type TimeRange struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`   // "HH:MM"
	TZ    string `json:"tz,omitempty"`
}

// Document is the policy for one agent: the tuple of allow, deny, and
// require-approval rule lists. Absence of a document means deny everything.
type Document struct {
	AgentID         string    `json:"agent_id"`
	Allow           []Rule    `json:"allow"`
	Deny            []Rule    `json:"deny"`
	RequireApproval []Rule    `json:"require_approval"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// TeamDocument is the policy shared by every agent owned by a team.
// Absence contributes nothing to the effective policy.
type TeamDocument struct {
	Team            string    `json:"team"`
	Allow           []Rule    `json:"allow"`
	Deny            []Rule    `json:"deny"`
	RequireApproval []Rule    `json:"require_approval"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// Decision is the engine's three-way verdict.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionDeny    Decision = "deny"
	DecisionPending Decision = "pending"
)

// Verdict is the outcome of a Decide call. For pending verdicts ApprovalID
// carries the opened approval request; for matched verdicts MatchedList and
// MatchedIndex identify the rule by its position within the effective list.
type Verdict struct {
	Decision     Decision
	Reason       string
	ApprovalID   string
	MatchedList  string // "deny" | "require_approval" | "allow" | ""
	MatchedIndex int    // position within the concatenated effective list
}

// Allowed reports whether the verdict permits the action.
func (v Verdict) Allowed() bool { return v.Decision == DecisionAllow }
