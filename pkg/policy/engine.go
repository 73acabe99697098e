package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MEGA-M1ND/AgentGuard/pkg/audit"
)

var (
	// ErrPolicyUnavailable means the policy store could not be read.
	// The verdict is still a deny; the handler maps this to 503.
	ErrPolicyUnavailable = errors.New("policy unavailable")
	// ErrApprovalUnavailable means the approval queue could not open a record.
	ErrApprovalUnavailable = errors.New("approval unavailable")
	// ErrAuditUnavailable means the audit entry could not be written.
	// No decision is emitted in that case.
	ErrAuditUnavailable = errors.New("audit unavailable")
)

// Subject identifies the agent a decision is made for.
type Subject struct {
	AgentID string
	Team    string
	Env     string
}

// PolicyProvider reads stored policies. A (nil, nil) return means the
// policy is absent, which is not an error.
type PolicyProvider interface {
	AgentPolicy(ctx context.Context, agentID string) (*Document, error)
	TeamPolicy(ctx context.Context, team string) (*TeamDocument, error)
}

// ApprovalInput is the record opened when a require-approval rule fires.
type ApprovalInput struct {
	AgentID  string
	Action   string
	Resource string
	Context  map[string]any
}

// ApprovalOpener opens pending approval requests and fires the
// approval.created notification.
type ApprovalOpener interface {
	Open(ctx context.Context, in ApprovalInput) (approvalID string, err error)
}

// AuditSink appends one entry to the agent's hash chain. Timestamp and
// chain linkage are assigned by the sink under the per-agent serializer.
type AuditSink interface {
	Append(ctx context.Context, e *audit.Entry) (*audit.Entry, error)
}

// Engine orchestrates normalization, matching, and condition evaluation to
// produce a verdict, routing approval-required verdicts through the queue
// and writing exactly one audit entry per decision.
type Engine struct {
	policies  PolicyProvider
	approvals ApprovalOpener
	audits    AuditSink
	clock     func() time.Time
	logger    *slog.Logger
}

// NewEngine creates a decision engine.
func NewEngine(policies PolicyProvider, approvals ApprovalOpener, audits AuditSink) *Engine {
	return &Engine{
		policies:  policies,
		approvals: approvals,
		audits:    audits,
		clock:     time.Now,
		logger:    slog.Default().With("component", "policy.engine"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// sourcedRule tracks a rule's position within a concatenated effective list.
type sourcedRule struct {
	rule  Rule
	index int
}

// Decide evaluates the effective policy for one request.
//
// Orderings are contractual: team rules precede agent rules within each
// list, deny beats require-approval beats allow, and the first match by
// position governs the reason. Every call writes exactly one audit entry
// before returning; if the audit write fails the returned error is
// ErrAuditUnavailable and no decision is emitted.
func (e *Engine) Decide(ctx context.Context, sub Subject, action, resource string, reqContext map[string]any, requestID string) (Verdict, error) {
	agentDoc, err := e.policies.AgentPolicy(ctx, sub.AgentID)
	if err != nil {
		return e.failClosed(ctx, sub, action, resource, reqContext, requestID, "policy unavailable", ErrPolicyUnavailable, err)
	}

	var teamDoc *TeamDocument
	if sub.Team != "" {
		teamDoc, err = e.policies.TeamPolicy(ctx, sub.Team)
		if err != nil {
			return e.failClosed(ctx, sub, action, resource, reqContext, requestID, "policy unavailable", ErrPolicyUnavailable, err)
		}
	}

	deny := concat(teamDoc.denyRules(), agentDoc.denyRules())
	approval := concat(teamDoc.approvalRules(), agentDoc.approvalRules())
	allow := concat(teamDoc.allowRules(), agentDoc.allowRules())

	normalized := Normalize(action)
	rctx := RuntimeContext{
		Env:      sub.Env,
		Action:   normalized,
		Resource: resource,
		Now:      e.clock().UTC(),
		Context:  reqContext,
	}

	// Deny precedence.
	match, evalErr := firstMatch(deny, normalized, resource, rctx)
	if evalErr != nil {
		return e.failClosed(ctx, sub, action, resource, reqContext, requestID, "policy evaluation error", ErrPolicyUnavailable, evalErr)
	}
	if match != nil {
		verdict := Verdict{
			Decision:     DecisionDeny,
			Reason:       fmt.Sprintf("matched deny rule %s on %s", match.rule.Action, displayResource(match.rule.Resource)),
			MatchedList:  "deny",
			MatchedIndex: match.index,
		}
		return e.finish(ctx, sub, normalized, resource, reqContext, requestID, verdict)
	}

	// Approval precedence.
	match, evalErr = firstMatch(approval, normalized, resource, rctx)
	if evalErr != nil {
		return e.failClosed(ctx, sub, action, resource, reqContext, requestID, "policy evaluation error", ErrPolicyUnavailable, evalErr)
	}
	if match != nil {
		approvalID, openErr := e.approvals.Open(ctx, ApprovalInput{
			AgentID:  sub.AgentID,
			Action:   normalized,
			Resource: resource,
			Context:  reqContext,
		})
		if openErr != nil {
			return e.failClosed(ctx, sub, action, resource, reqContext, requestID, "approval unavailable", ErrApprovalUnavailable, openErr)
		}
		verdict := Verdict{
			Decision:     DecisionPending,
			Reason:       fmt.Sprintf("approval required by rule %s on %s", match.rule.Action, displayResource(match.rule.Resource)),
			ApprovalID:   approvalID,
			MatchedList:  "require_approval",
			MatchedIndex: match.index,
		}
		return e.finish(ctx, sub, normalized, resource, reqContext, requestID, verdict)
	}

	// Allow.
	match, evalErr = firstMatch(allow, normalized, resource, rctx)
	if evalErr != nil {
		return e.failClosed(ctx, sub, action, resource, reqContext, requestID, "policy evaluation error", ErrPolicyUnavailable, evalErr)
	}
	if match != nil {
		verdict := Verdict{
			Decision:     DecisionAllow,
			Reason:       fmt.Sprintf("matched allow rule %s on %s", match.rule.Action, displayResource(match.rule.Resource)),
			MatchedList:  "allow",
			MatchedIndex: match.index,
		}
		return e.finish(ctx, sub, normalized, resource, reqContext, requestID, verdict)
	}

	// Default deny.
	return e.finish(ctx, sub, normalized, resource, reqContext, requestID, Verdict{
		Decision:     DecisionDeny,
		Reason:       "no matching rule",
		MatchedIndex: -1,
	})
}

// finish writes the audit entry for a verdict and returns it.
func (e *Engine) finish(ctx context.Context, sub Subject, action, resource string, reqContext map[string]any, requestID string, v Verdict) (Verdict, error) {
	entry := &audit.Entry{
		AgentID:   sub.AgentID,
		Action:    action,
		Resource:  resource,
		Context:   reqContext,
		RequestID: requestID,
		Metadata:  map[string]any{"reason": v.Reason},
	}

	switch v.Decision {
	case DecisionAllow:
		entry.Allowed = true
		entry.Result = audit.ResultSuccess
	case DecisionPending:
		entry.Result = audit.ResultPending
		entry.Metadata["approval_id"] = v.ApprovalID
	default:
		entry.Result = audit.ResultDenied
	}
	if v.MatchedList != "" {
		entry.Metadata["matched_rule"] = map[string]any{
			"list":  v.MatchedList,
			"index": v.MatchedIndex,
		}
	}

	if _, err := e.audits.Append(ctx, entry); err != nil {
		e.logger.Error("audit append failed", "agent_id", sub.AgentID, "error", err)
		return Verdict{Decision: DecisionDeny, Reason: "audit unavailable", MatchedIndex: -1},
			fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	return v, nil
}

// failClosed records a dependency failure as a denied decision with an
// error-result audit entry. Never fail open.
func (e *Engine) failClosed(ctx context.Context, sub Subject, action, resource string, reqContext map[string]any, requestID, reason string, sentinel, cause error) (Verdict, error) {
	e.logger.Error("decision dependency failed", "agent_id", sub.AgentID, "reason", reason, "error", cause)

	entry := &audit.Entry{
		AgentID:   sub.AgentID,
		Action:    Normalize(action),
		Resource:  resource,
		Context:   reqContext,
		RequestID: requestID,
		Result:    audit.ResultError,
		Metadata:  map[string]any{"reason": reason},
	}
	if _, auditErr := e.audits.Append(ctx, entry); auditErr != nil {
		e.logger.Error("audit append failed", "agent_id", sub.AgentID, "error", auditErr)
		return Verdict{Decision: DecisionDeny, Reason: "audit unavailable", MatchedIndex: -1},
			fmt.Errorf("%w: %v", ErrAuditUnavailable, auditErr)
	}

	return Verdict{Decision: DecisionDeny, Reason: reason, MatchedIndex: -1},
		fmt.Errorf("%w: %v", sentinel, cause)
}

// firstMatch returns the first rule by position whose globs match and whose
// conditions hold, or nil when none fires.
func firstMatch(rules []sourcedRule, action, resource string, rctx RuntimeContext) (*sourcedRule, error) {
	for i := range rules {
		r := rules[i]
		if !r.rule.Matches(action, resource) {
			continue
		}
		ok, err := EvaluateConditions(r.rule.Conditions, rctx)
		if err != nil {
			return nil, fmt.Errorf("rule %d conditions: %w", r.index, err)
		}
		if ok {
			return &r, nil
		}
	}
	return nil, nil
}

func concat(team, agent []Rule) []sourcedRule {
	out := make([]sourcedRule, 0, len(team)+len(agent))
	for _, r := range team {
		out = append(out, sourcedRule{rule: r, index: len(out)})
	}
	for _, r := range agent {
		out = append(out, sourcedRule{rule: r, index: len(out)})
	}
	return out
}

func displayResource(r string) string {
	if r == "" {
		return "*"
	}
	return r
}

func (d *Document) denyRules() []Rule {
	if d == nil {
		return nil
	}
	return d.Deny
}

func (d *Document) allowRules() []Rule {
	if d == nil {
		return nil
	}
	return d.Allow
}

func (d *Document) approvalRules() []Rule {
	if d == nil {
		return nil
	}
	return d.RequireApproval
}

func (t *TeamDocument) denyRules() []Rule {
	if t == nil {
		return nil
	}
	return t.Deny
}

func (t *TeamDocument) allowRules() []Rule {
	if t == nil {
		return nil
	}
	return t.Allow
}

func (t *TeamDocument) approvalRules() []Rule {
	if t == nil {
		return nil
	}
	return t.RequireApproval
}
