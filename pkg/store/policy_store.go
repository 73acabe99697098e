package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MEGA-M1ND/AgentGuard/pkg/policy"
)

// PolicyStore persists agent and team policy documents. Rule lists are
// stored as JSON; absence of a row means "no policy" and is surfaced as a
// nil document, not an error.
type PolicyStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPolicyStore creates the store and its tables.
func NewPolicyStore(db *sql.DB) (*PolicyStore, error) {
	s := &PolicyStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate policy store: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *PolicyStore) WithClock(clock func() time.Time) *PolicyStore {
	s.clock = clock
	return s
}

func (s *PolicyStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS agent_policies (
			agent_id         TEXT PRIMARY KEY,
			allow_rules      TEXT NOT NULL DEFAULT '[]',
			deny_rules       TEXT NOT NULL DEFAULT '[]',
			approval_rules   TEXT NOT NULL DEFAULT '[]',
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS team_policies (
			team             TEXT PRIMARY KEY,
			allow_rules      TEXT NOT NULL DEFAULT '[]',
			deny_rules       TEXT NOT NULL DEFAULT '[]',
			approval_rules   TEXT NOT NULL DEFAULT '[]',
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return err
		}
	}
	return nil
}

// PutAgentPolicy creates or replaces the agent's policy document.
func (s *PolicyStore) PutAgentPolicy(ctx context.Context, doc *policy.Document) error {
	allow, deny, approval, err := marshalLists(doc.Allow, doc.Deny, doc.RequireApproval)
	if err != nil {
		return err
	}
	now := formatTime(s.clock().UTC())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_policies (agent_id, allow_rules, deny_rules, approval_rules, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   allow_rules = $2, deny_rules = $3, approval_rules = $4, updated_at = $5`,
		doc.AgentID, allow, deny, approval, now,
	)
	if err != nil {
		return fmt.Errorf("put agent policy: %w", err)
	}
	return nil
}

// AgentPolicy returns the agent's policy, or (nil, nil) when none is set.
func (s *PolicyStore) AgentPolicy(ctx context.Context, agentID string) (*policy.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT allow_rules, deny_rules, approval_rules, created_at, updated_at
		 FROM agent_policies WHERE agent_id = $1`, agentID)

	var allow, deny, approval, createdAt, updatedAt string
	err := row.Scan(&allow, &deny, &approval, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agent policy: %w", err)
	}

	doc := &policy.Document{AgentID: agentID}
	if err := unmarshalLists(allow, deny, approval, &doc.Allow, &doc.Deny, &doc.RequireApproval); err != nil {
		return nil, err
	}
	if doc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if doc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return doc, nil
}

// PutTeamPolicy creates or replaces the team's shared policy.
func (s *PolicyStore) PutTeamPolicy(ctx context.Context, doc *policy.TeamDocument) error {
	allow, deny, approval, err := marshalLists(doc.Allow, doc.Deny, doc.RequireApproval)
	if err != nil {
		return err
	}
	now := formatTime(s.clock().UTC())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO team_policies (team, allow_rules, deny_rules, approval_rules, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (team) DO UPDATE SET
		   allow_rules = $2, deny_rules = $3, approval_rules = $4, updated_at = $5`,
		doc.Team, allow, deny, approval, now,
	)
	if err != nil {
		return fmt.Errorf("put team policy: %w", err)
	}
	return nil
}

// TeamPolicy returns the team's policy, or (nil, nil) when none is set.
func (s *PolicyStore) TeamPolicy(ctx context.Context, team string) (*policy.TeamDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT allow_rules, deny_rules, approval_rules, created_at, updated_at
		 FROM team_policies WHERE team = $1`, team)

	var allow, deny, approval, createdAt, updatedAt string
	err := row.Scan(&allow, &deny, &approval, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read team policy: %w", err)
	}

	doc := &policy.TeamDocument{Team: team}
	if err := unmarshalLists(allow, deny, approval, &doc.Allow, &doc.Deny, &doc.RequireApproval); err != nil {
		return nil, err
	}
	if doc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if doc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return doc, nil
}

func marshalLists(allow, deny, approval []policy.Rule) (string, string, string, error) {
	out := make([]string, 3)
	for i, rules := range [][]policy.Rule{allow, deny, approval} {
		if rules == nil {
			rules = []policy.Rule{}
		}
		raw, err := json.Marshal(rules)
		if err != nil {
			return "", "", "", fmt.Errorf("serialize rules: %w", err)
		}
		out[i] = string(raw)
	}
	return out[0], out[1], out[2], nil
}

func unmarshalLists(allow, deny, approval string, allowOut, denyOut, approvalOut *[]policy.Rule) error {
	for _, pair := range []struct {
		raw string
		out *[]policy.Rule
	}{{allow, allowOut}, {deny, denyOut}, {approval, approvalOut}} {
		if err := json.Unmarshal([]byte(pair.raw), pair.out); err != nil {
			return fmt.Errorf("parse stored rules: %w", err)
		}
	}
	return nil
}
