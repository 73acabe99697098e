package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApprovalStore(t *testing.T) *ApprovalStore {
	t.Helper()
	s, err := NewApprovalStore(newTestDB(t))
	require.NoError(t, err)
	now := fixedNow
	return s.WithClock(func() time.Time { now = now.Add(time.Second); return now })
}

func TestApprovalLifecycle(t *testing.T) {
	s := newTestApprovalStore(t)

	a, err := s.Create(context.Background(), "agt_X", "delete:database", "research_findings",
		map[string]any{"rows": 9000})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a.ApprovalID, "ap_"))
	assert.Equal(t, ApprovalPending, a.Status)
	assert.False(t, a.Decided())

	got, err := s.Get(context.Background(), a.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, "delete:database", got.Action)
	assert.Equal(t, map[string]any{"rows": float64(9000)}, got.Context)

	decided, err := s.Decide(context.Background(), a.ApprovalID, ApprovalApproved, "adm_1", "looks safe")
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, decided.Status)
	assert.Equal(t, "adm_1", decided.DecidedBy)
	assert.Equal(t, "looks safe", decided.DecisionReason)
	require.NotNil(t, decided.DecidedAt)
	assert.True(t, decided.Decided())
}

func TestDecideIsTerminal(t *testing.T) {
	s := newTestApprovalStore(t)

	a, err := s.Create(context.Background(), "agt_X", "delete:database", "", nil)
	require.NoError(t, err)

	_, err = s.Decide(context.Background(), a.ApprovalID, ApprovalDenied, "adm_1", "too risky")
	require.NoError(t, err)

	// A second decision of either kind conflicts.
	_, err = s.Decide(context.Background(), a.ApprovalID, ApprovalApproved, "adm_2", "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)
	_, err = s.Decide(context.Background(), a.ApprovalID, ApprovalDenied, "adm_2", "again")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	// The original decision is untouched.
	got, err := s.Get(context.Background(), a.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalDenied, got.Status)
	assert.Equal(t, "adm_1", got.DecidedBy)
}

func TestDecideValidation(t *testing.T) {
	s := newTestApprovalStore(t)

	_, err := s.Decide(context.Background(), "ap_missing", ApprovalApproved, "adm_1", "")
	assert.ErrorIs(t, err, ErrNotFound)

	a, err := s.Create(context.Background(), "agt_X", "x:y", "", nil)
	require.NoError(t, err)
	_, err = s.Decide(context.Background(), a.ApprovalID, "cancelled", "adm_1", "")
	assert.Error(t, err)
}

func TestCancelOnlyPending(t *testing.T) {
	s := newTestApprovalStore(t)

	a, err := s.Create(context.Background(), "agt_X", "x:y", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(context.Background(), a.ApprovalID))

	_, err = s.Get(context.Background(), a.ApprovalID)
	assert.ErrorIs(t, err, ErrNotFound)

	b, err := s.Create(context.Background(), "agt_X", "x:y", "", nil)
	require.NoError(t, err)
	_, err = s.Decide(context.Background(), b.ApprovalID, ApprovalApproved, "adm_1", "")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Cancel(context.Background(), b.ApprovalID), ErrAlreadyDecided)

	assert.ErrorIs(t, s.Cancel(context.Background(), "ap_missing"), ErrNotFound)
}

func TestListApprovals(t *testing.T) {
	s := newTestApprovalStore(t)

	a1, err := s.Create(context.Background(), "agt_X", "a:1", "", nil)
	require.NoError(t, err)
	_, err = s.Create(context.Background(), "agt_X", "a:2", "", nil)
	require.NoError(t, err)
	_, err = s.Create(context.Background(), "agt_Y", "a:3", "", nil)
	require.NoError(t, err)
	_, err = s.Decide(context.Background(), a1.ApprovalID, ApprovalApproved, "adm_1", "")
	require.NoError(t, err)

	items, total, pending, err := s.List(context.Background(), ApprovalFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, pending)

	items, total, _, err = s.List(context.Background(), ApprovalFilter{Status: ApprovalPending})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 2, total)

	items, total, _, err = s.List(context.Background(), ApprovalFilter{AgentID: "agt_Y"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, "a:3", items[0].Action)

	items, _, _, err = s.List(context.Background(), ApprovalFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestListApprovalsTeamScope(t *testing.T) {
	db := newTestDB(t)
	agents, err := NewAgentStore(db)
	require.NoError(t, err)
	s, err := NewApprovalStore(db)
	require.NoError(t, err)

	research, _, err := agents.CreateAgent(context.Background(), "research-bot", "research", "prod")
	require.NoError(t, err)
	ops, _, err := agents.CreateAgent(context.Background(), "ops-bot", "ops", "prod")
	require.NoError(t, err)

	_, err = s.Create(context.Background(), research.AgentID, "a:1", "", nil)
	require.NoError(t, err)
	_, err = s.Create(context.Background(), ops.AgentID, "a:2", "", nil)
	require.NoError(t, err)

	items, total, pending, err := s.List(context.Background(), ApprovalFilter{Team: "research"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, research.AgentID, items[0].AgentID)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, pending)

	// An unscoped listing still sees everything.
	_, total, pending, err = s.List(context.Background(), ApprovalFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, pending)
}

func TestRevocationSet(t *testing.T) {
	db := newTestDB(t)
	s, err := NewRevocationStore(db)
	require.NoError(t, err)
	now := fixedNow
	s.WithClock(func() time.Time { return now })

	expiry := fixedNow.Add(time.Hour)
	require.NoError(t, s.Revoke(context.Background(), "jti-1", expiry))
	require.NoError(t, s.Revoke(context.Background(), "jti-1", expiry), "revocation is idempotent")

	revoked, err := s.IsRevoked(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = s.IsRevoked(context.Background(), "jti-2")
	require.NoError(t, err)
	assert.False(t, revoked)

	// Sweeping before expiry plus grace removes nothing.
	n, err := s.Sweep(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Well past expiry plus grace the row goes away.
	now = fixedNow.Add(3 * time.Hour)
	n, err = s.Sweep(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	revoked, err = s.IsRevoked(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}
