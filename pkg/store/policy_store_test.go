package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MEGA-M1ND/AgentGuard/pkg/policy"
)

func TestAgentPolicyRoundTrip(t *testing.T) {
	s, err := NewPolicyStore(newTestDB(t))
	require.NoError(t, err)
	s.WithClock(func() time.Time { return fixedNow })

	doc := &policy.Document{
		AgentID: "agt_X",
		Allow:   []policy.Rule{{Action: "read:*", Resource: "db/*"}},
		Deny: []policy.Rule{{
			Action: "delete:*",
			Conditions: &policy.Conditions{
				Env:       []string{"prod"},
				TimeRange: &policy.TimeRange{Start: "22:00", End: "06:00"},
			},
		}},
	}
	require.NoError(t, s.PutAgentPolicy(context.Background(), doc))

	got, err := s.AgentPolicy(context.Background(), "agt_X")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, doc.Allow, got.Allow)
	assert.Equal(t, doc.Deny, got.Deny)
	assert.Empty(t, got.RequireApproval)
	assert.Equal(t, fixedNow, got.UpdatedAt)
}

func TestAgentPolicyAbsentIsNil(t *testing.T) {
	s, err := NewPolicyStore(newTestDB(t))
	require.NoError(t, err)

	got, err := s.AgentPolicy(context.Background(), "agt_unknown")
	require.NoError(t, err)
	assert.Nil(t, got, "absence of a policy is not an error")
}

func TestPutAgentPolicyReplaces(t *testing.T) {
	s, err := NewPolicyStore(newTestDB(t))
	require.NoError(t, err)

	first := &policy.Document{AgentID: "agt_X",
		Allow: []policy.Rule{{Action: "read:*"}}}
	require.NoError(t, s.PutAgentPolicy(context.Background(), first))

	second := &policy.Document{AgentID: "agt_X",
		Deny: []policy.Rule{{Action: "*"}}}
	require.NoError(t, s.PutAgentPolicy(context.Background(), second))

	got, err := s.AgentPolicy(context.Background(), "agt_X")
	require.NoError(t, err)
	assert.Empty(t, got.Allow, "replacement is whole-document")
	assert.Equal(t, second.Deny, got.Deny)
}

func TestTeamPolicyRoundTrip(t *testing.T) {
	s, err := NewPolicyStore(newTestDB(t))
	require.NoError(t, err)

	doc := &policy.TeamDocument{
		Team: "research",
		Deny: []policy.Rule{{Action: "write:*", Resource: "prod_db"}},
	}
	require.NoError(t, s.PutTeamPolicy(context.Background(), doc))

	got, err := s.TeamPolicy(context.Background(), "research")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, doc.Deny, got.Deny)

	missing, err := s.TeamPolicy(context.Background(), "no-such-team")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
