// Package approval implements the human-in-the-loop approval queue:
// requests opened by the decision engine, decided by admins, observed by
// agents through polling, with lifecycle notifications on open and decide.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MEGA-M1ND/AgentGuard/pkg/notify"
	"github.com/MEGA-M1ND/AgentGuard/pkg/policy"
	"github.com/MEGA-M1ND/AgentGuard/pkg/store"
)

// ErrReasonRequired means a denial was attempted without a reason.
var ErrReasonRequired = errors.New("decision_reason is required when denying")

// AgentDirectory resolves agent display names for notifications.
type AgentDirectory interface {
	GetAgent(ctx context.Context, agentID string) (*store.Agent, error)
}

// Manager owns the approval lifecycle over the store.
type Manager struct {
	approvals *store.ApprovalStore
	agents    AgentDirectory
	notifier  *notify.Dispatcher
	logger    *slog.Logger
}

// NewManager creates a manager. notifier may be nil when webhooks are not
// configured.
func NewManager(approvals *store.ApprovalStore, agents AgentDirectory, notifier *notify.Dispatcher) *Manager {
	return &Manager{
		approvals: approvals,
		agents:    agents,
		notifier:  notifier,
		logger:    slog.Default().With("component", "approval"),
	}
}

// Open creates a pending request and fires approval.created. It satisfies
// the decision engine's approval opener.
func (m *Manager) Open(ctx context.Context, in policy.ApprovalInput) (string, error) {
	a, err := m.approvals.Create(ctx, in.AgentID, in.Action, in.Resource, in.Context)
	if err != nil {
		return "", fmt.Errorf("open approval: %w", err)
	}
	m.logger.Info("approval opened",
		"approval_id", a.ApprovalID, "agent_id", a.AgentID, "action", a.Action)

	m.notifier.Send(notify.Payload{
		Event:      notify.EventApprovalCreated,
		ApprovalID: a.ApprovalID,
		AgentID:    a.AgentID,
		AgentName:  m.agentName(ctx, a.AgentID),
		Action:     a.Action,
		Resource:   a.Resource,
		Context:    a.Context,
	})
	return a.ApprovalID, nil
}

// Approve transitions a pending request to approved. The reason is
// optional. Returns store.ErrAlreadyDecided when the request is terminal.
func (m *Manager) Approve(ctx context.Context, approvalID, decidedBy, reason string) (*store.Approval, error) {
	return m.decide(ctx, approvalID, store.ApprovalApproved, decidedBy, reason)
}

// Deny transitions a pending request to denied. A reason is required.
func (m *Manager) Deny(ctx context.Context, approvalID, decidedBy, reason string) (*store.Approval, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return m.decide(ctx, approvalID, store.ApprovalDenied, decidedBy, reason)
}

func (m *Manager) decide(ctx context.Context, approvalID, status, decidedBy, reason string) (*store.Approval, error) {
	a, err := m.approvals.Decide(ctx, approvalID, status, decidedBy, reason)
	if err != nil {
		return nil, err
	}
	m.logger.Info("approval decided",
		"approval_id", a.ApprovalID, "status", a.Status, "decided_by", decidedBy)

	event := notify.EventApprovalApproved
	if status == store.ApprovalDenied {
		event = notify.EventApprovalDenied
	}
	m.notifier.Send(notify.Payload{
		Event:          event,
		ApprovalID:     a.ApprovalID,
		AgentID:        a.AgentID,
		AgentName:      m.agentName(ctx, a.AgentID),
		Action:         a.Action,
		Resource:       a.Resource,
		DecisionReason: a.DecisionReason,
		DecidedBy:      a.DecidedBy,
	})
	return a, nil
}

// Get returns the request for polling.
func (m *Manager) Get(ctx context.Context, approvalID string) (*store.Approval, error) {
	return m.approvals.Get(ctx, approvalID)
}

// List returns filtered requests plus the total and the pending count.
func (m *Manager) List(ctx context.Context, f store.ApprovalFilter) ([]*store.Approval, int, int, error) {
	return m.approvals.List(ctx, f)
}

// Cancel removes a pending request without deciding it. No notification
// fires; cancellation is an administrative retraction, not a decision.
func (m *Manager) Cancel(ctx context.Context, approvalID string) error {
	if err := m.approvals.Cancel(ctx, approvalID); err != nil {
		return err
	}
	m.logger.Info("approval cancelled", "approval_id", approvalID)
	return nil
}

func (m *Manager) agentName(ctx context.Context, agentID string) string {
	if m.agents == nil {
		return ""
	}
	agent, err := m.agents.GetAgent(ctx, agentID)
	if err != nil {
		return ""
	}
	return agent.Name
}
