package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Approval request states. Pending is the only non-terminal state.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
)

// Approval is a human-in-the-loop approval request.
type Approval struct {
	ApprovalID     string         `json:"approval_id"`
	AgentID        string         `json:"agent_id"`
	Action         string         `json:"action"`
	Resource       string         `json:"resource,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
	DecidedBy      string         `json:"decided_by,omitempty"`
	DecisionReason string         `json:"decision_reason,omitempty"`
}

// Decided reports whether the request is terminal.
func (a *Approval) Decided() bool { return a.Status != ApprovalPending }

// ApprovalStore persists approval requests. The pending → terminal
// transition happens at most once; concurrent deciders race on a guarded
// UPDATE and the loser gets ErrAlreadyDecided.
type ApprovalStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewApprovalStore creates the store and its table.
func NewApprovalStore(db *sql.DB) (*ApprovalStore, error) {
	s := &ApprovalStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate approval store: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *ApprovalStore) WithClock(clock func() time.Time) *ApprovalStore {
	s.clock = clock
	return s
}

func (s *ApprovalStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS approval_requests (
			approval_id     TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL,
			action          TEXT NOT NULL,
			resource        TEXT,
			context         TEXT,
			status          TEXT NOT NULL DEFAULT 'pending',
			created_at      TEXT NOT NULL,
			decided_at      TEXT,
			decided_by      TEXT,
			decision_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approval_requests (status)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_agent ON approval_requests (agent_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return err
		}
	}
	return nil
}

// Create opens a pending request and assigns its identifier.
func (s *ApprovalStore) Create(ctx context.Context, agentID, action, resource string, reqContext map[string]any) (*Approval, error) {
	a := &Approval{
		ApprovalID: "ap_" + uuid.New().String(),
		AgentID:    agentID,
		Action:     action,
		Resource:   resource,
		Context:    reqContext,
		Status:     ApprovalPending,
		CreatedAt:  s.clock().UTC(),
	}

	contextJSON, err := marshalNullable(a.Context)
	if err != nil {
		return nil, fmt.Errorf("serialize approval context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_requests (approval_id, agent_id, action, resource, context, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ApprovalID, a.AgentID, a.Action, nullString(a.Resource), contextJSON,
		a.Status, formatTime(a.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}
	return a, nil
}

// Get returns the request or ErrNotFound.
func (s *ApprovalStore) Get(ctx context.Context, approvalID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		selectApprovalColumns+` FROM approval_requests WHERE approval_id = $1`, approvalID)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// Decide transitions a pending request to approved or denied, recording the
// decider and reason atomically. A request that is already terminal returns
// ErrAlreadyDecided.
func (s *ApprovalStore) Decide(ctx context.Context, approvalID, status, decidedBy, reason string) (*Approval, error) {
	if status != ApprovalApproved && status != ApprovalDenied {
		return nil, fmt.Errorf("invalid decision status %q", status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests
		 SET status = $1, decided_at = $2, decided_by = $3, decision_reason = $4
		 WHERE approval_id = $5 AND status = 'pending'`,
		status, formatTime(s.clock().UTC()), decidedBy, nullString(reason), approvalID,
	)
	if err != nil {
		return nil, fmt.Errorf("decide approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, approvalID); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyDecided
	}
	return s.Get(ctx, approvalID)
}

// Cancel removes a pending request. Terminal requests return
// ErrAlreadyDecided; missing ones ErrNotFound.
func (s *ApprovalStore) Cancel(ctx context.Context, approvalID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM approval_requests WHERE approval_id = $1 AND status = 'pending'`, approvalID)
	if err != nil {
		return fmt.Errorf("cancel approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, approvalID); err != nil {
			return err
		}
		return ErrAlreadyDecided
	}
	return nil
}

// ApprovalFilter narrows a listing. Zero values are not applied. Team
// restricts visibility to agents owned by that team.
type ApprovalFilter struct {
	Status  string
	AgentID string
	Team    string
	Limit   int
	Offset  int
}

// List returns requests newest first plus the filtered total and the pending
// count within the caller's team visibility. Limit defaults to 100 and caps
// at 500.
func (s *ApprovalStore) List(ctx context.Context, f ApprovalFilter) (items []*Approval, total, pendingCount int, err error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > 500 {
		f.Limit = 500
	}

	var conds []string
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		conds = append(conds, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.Team != "" {
		args = append(args, f.Team)
		conds = append(conds, fmt.Sprintf(
			"agent_id IN (SELECT agent_id FROM agents WHERE owner_team = $%d)", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_requests`+where, args...)
	if err = row.Scan(&total); err != nil {
		return nil, 0, 0, fmt.Errorf("count approvals: %w", err)
	}

	pendingQuery := `SELECT COUNT(*) FROM approval_requests WHERE status = 'pending'`
	var pendingArgs []any
	if f.Team != "" {
		pendingQuery += ` AND agent_id IN (SELECT agent_id FROM agents WHERE owner_team = $1)`
		pendingArgs = append(pendingArgs, f.Team)
	}
	row = s.db.QueryRowContext(ctx, pendingQuery, pendingArgs...)
	if err = row.Scan(&pendingCount); err != nil {
		return nil, 0, 0, fmt.Errorf("count pending approvals: %w", err)
	}

	query := selectApprovalColumns + ` FROM approval_requests` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		a, scanErr := scanApproval(rows)
		if scanErr != nil {
			return nil, 0, 0, scanErr
		}
		items = append(items, a)
	}
	return items, total, pendingCount, rows.Err()
}

const selectApprovalColumns = `SELECT approval_id, agent_id, action, resource, context,
	status, created_at, decided_at, decided_by, decision_reason`

func scanApproval(row rowScanner) (*Approval, error) {
	var a Approval
	var createdAt string
	var resource, contextJSON, decidedAt, decidedBy, reason sql.NullString

	err := row.Scan(&a.ApprovalID, &a.AgentID, &a.Action, &resource, &contextJSON,
		&a.Status, &createdAt, &decidedAt, &decidedBy, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan approval: %w", err)
	}

	a.Resource = resource.String
	a.DecidedBy = decidedBy.String
	a.DecisionReason = reason.String
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if decidedAt.Valid && decidedAt.String != "" {
		t, err := parseTime(decidedAt.String)
		if err != nil {
			return nil, err
		}
		a.DecidedAt = &t
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &a.Context); err != nil {
			return nil, fmt.Errorf("parse stored approval context: %w", err)
		}
	}
	return &a, nil
}
