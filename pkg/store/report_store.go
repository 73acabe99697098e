package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// ReportSummary aggregates decision and approval activity over a look-back
// window. Rates are percentages rounded to one decimal.
type ReportSummary struct {
	PeriodDays       int             `json:"period_days"`
	GeneratedAt      time.Time       `json:"generated_at"`
	Overview         ReportOverview  `json:"overview"`
	Approvals        ReportApprovals `json:"approvals"`
	TopAgents        []AgentActivity `json:"top_agents"`
	TopDeniedActions []ActionCount   `json:"top_denied_actions"`
	DailyBreakdown   []DayActivity   `json:"daily_breakdown"`
}

// ReportOverview totals audit decisions within the window.
type ReportOverview struct {
	TotalActions int     `json:"total_actions"`
	Allowed      int     `json:"allowed"`
	Denied       int     `json:"denied"`
	AllowRate    float64 `json:"allow_rate"`
	DenyRate     float64 `json:"deny_rate"`
}

// ReportApprovals totals approval requests. Pending counts all open
// requests regardless of age; the other counts honor the window.
type ReportApprovals struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Approved     int     `json:"approved"`
	Denied       int     `json:"denied"`
	ApprovalRate float64 `json:"approval_rate"`
}

// AgentActivity is one row of the most-active-agents ranking.
type AgentActivity struct {
	AgentID      string `json:"agent_id"`
	AgentName    string `json:"agent_name"`
	TotalActions int    `json:"total_actions"`
	Allowed      int    `json:"allowed"`
	Denied       int    `json:"denied"`
}

// ActionCount is one row of the most-denied-actions ranking.
type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// DayActivity is one day of the breakdown, date in YYYY-MM-DD.
type DayActivity struct {
	Date    string `json:"date"`
	Total   int    `json:"total"`
	Allowed int    `json:"allowed"`
	Denied  int    `json:"denied"`
}

// breakdownCapDays caps the daily breakdown length.
const breakdownCapDays = 14

// ReportStore computes compliance summaries over the agents, audit_logs,
// and approval_requests tables. It owns no tables of its own.
type ReportStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewReportStore creates the store.
func NewReportStore(db *sql.DB) *ReportStore {
	return &ReportStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *ReportStore) WithClock(clock func() time.Time) *ReportStore {
	s.clock = clock
	return s
}

// Summary builds the compliance report for the last days days. A non-empty
// team restricts every aggregate to agents owned by that team.
func (s *ReportStore) Summary(ctx context.Context, team string, days int) (*ReportSummary, error) {
	now := s.clock().UTC()
	cutoff := now.AddDate(0, 0, -days)

	sum := &ReportSummary{
		PeriodDays:       days,
		GeneratedAt:      now,
		TopAgents:        []AgentActivity{},
		TopDeniedActions: []ActionCount{},
	}

	if err := s.fillOverview(ctx, sum, team, cutoff); err != nil {
		return nil, err
	}
	if err := s.fillApprovals(ctx, sum, team, cutoff); err != nil {
		return nil, err
	}
	if err := s.fillTopAgents(ctx, sum, team, cutoff); err != nil {
		return nil, err
	}
	if err := s.fillTopDenied(ctx, sum, team, cutoff); err != nil {
		return nil, err
	}
	if err := s.fillDailyBreakdown(ctx, sum, team, now, days); err != nil {
		return nil, err
	}
	return sum, nil
}

// teamScope returns a condition restricting a table's agent_id column to
// the team's agents, with n the placeholder index the team value will bind.
func teamScope(column string, n int) string {
	return fmt.Sprintf(" AND %s IN (SELECT agent_id FROM agents WHERE owner_team = $%d)", column, n)
}

func (s *ReportStore) fillOverview(ctx context.Context, sum *ReportSummary, team string, cutoff time.Time) error {
	query := `SELECT COUNT(*), COALESCE(SUM(allowed), 0) FROM audit_logs WHERE timestamp >= $1`
	args := []any{formatTime(cutoff)}
	if team != "" {
		query += teamScope("agent_id", 2)
		args = append(args, team)
	}

	var total, allowed int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total, &allowed); err != nil {
		return fmt.Errorf("report overview: %w", err)
	}
	sum.Overview = ReportOverview{
		TotalActions: total,
		Allowed:      allowed,
		Denied:       total - allowed,
		AllowRate:    percent(allowed, total),
		DenyRate:     percent(total-allowed, total),
	}
	return nil
}

func (s *ReportStore) fillApprovals(ctx context.Context, sum *ReportSummary, team string, cutoff time.Time) error {
	windowed := func(status string) (int, error) {
		query := `SELECT COUNT(*) FROM approval_requests WHERE created_at >= $1`
		args := []any{formatTime(cutoff)}
		if status != "" {
			query += fmt.Sprintf(" AND status = $%d", len(args)+1)
			args = append(args, status)
		}
		if team != "" {
			query += teamScope("agent_id", len(args)+1)
			args = append(args, team)
		}
		var n int
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("report approvals: %w", err)
		}
		return n, nil
	}

	total, err := windowed("")
	if err != nil {
		return err
	}
	approved, err := windowed(ApprovalApproved)
	if err != nil {
		return err
	}
	denied, err := windowed(ApprovalDenied)
	if err != nil {
		return err
	}

	pendingQuery := `SELECT COUNT(*) FROM approval_requests WHERE status = 'pending'`
	var pendingArgs []any
	if team != "" {
		pendingQuery += teamScope("agent_id", 1)
		pendingArgs = append(pendingArgs, team)
	}
	var pending int
	if err := s.db.QueryRowContext(ctx, pendingQuery, pendingArgs...).Scan(&pending); err != nil {
		return fmt.Errorf("report pending approvals: %w", err)
	}

	sum.Approvals = ReportApprovals{
		Total:        total,
		Pending:      pending,
		Approved:     approved,
		Denied:       denied,
		ApprovalRate: percent(approved, approved+denied),
	}
	return nil
}

func (s *ReportStore) fillTopAgents(ctx context.Context, sum *ReportSummary, team string, cutoff time.Time) error {
	query := `SELECT l.agent_id, COALESCE(a.name, 'unknown'), COUNT(*) AS total, COALESCE(SUM(l.allowed), 0)
		FROM audit_logs l LEFT JOIN agents a ON a.agent_id = l.agent_id
		WHERE l.timestamp >= $1`
	args := []any{formatTime(cutoff)}
	if team != "" {
		query += teamScope("l.agent_id", 2)
		args = append(args, team)
	}
	query += ` GROUP BY l.agent_id, a.name ORDER BY total DESC LIMIT 10`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("report top agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var a AgentActivity
		if err := rows.Scan(&a.AgentID, &a.AgentName, &a.TotalActions, &a.Allowed); err != nil {
			return fmt.Errorf("scan top agent: %w", err)
		}
		a.Denied = a.TotalActions - a.Allowed
		sum.TopAgents = append(sum.TopAgents, a)
	}
	return rows.Err()
}

func (s *ReportStore) fillTopDenied(ctx context.Context, sum *ReportSummary, team string, cutoff time.Time) error {
	query := `SELECT action, COUNT(*) AS n FROM audit_logs WHERE allowed = 0 AND timestamp >= $1`
	args := []any{formatTime(cutoff)}
	if team != "" {
		query += teamScope("agent_id", 2)
		args = append(args, team)
	}
	query += ` GROUP BY action ORDER BY n DESC LIMIT 10`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("report denied actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var c ActionCount
		if err := rows.Scan(&c.Action, &c.Count); err != nil {
			return fmt.Errorf("scan denied action: %w", err)
		}
		sum.TopDeniedActions = append(sum.TopDeniedActions, c)
	}
	return rows.Err()
}

func (s *ReportStore) fillDailyBreakdown(ctx context.Context, sum *ReportSummary, team string, now time.Time, days int) error {
	chartDays := days
	if chartDays > breakdownCapDays {
		chartDays = breakdownCapDays
	}
	todayStart := now.Truncate(24 * time.Hour)

	for i := chartDays - 1; i >= 0; i-- {
		dayStart := todayStart.AddDate(0, 0, -i)
		dayEnd := dayStart.AddDate(0, 0, 1)

		query := `SELECT COUNT(*), COALESCE(SUM(allowed), 0) FROM audit_logs
			WHERE timestamp >= $1 AND timestamp < $2`
		args := []any{formatTime(dayStart), formatTime(dayEnd)}
		if team != "" {
			query += teamScope("agent_id", 3)
			args = append(args, team)
		}

		var total, allowed int
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total, &allowed); err != nil {
			return fmt.Errorf("report daily breakdown: %w", err)
		}
		sum.DailyBreakdown = append(sum.DailyBreakdown, DayActivity{
			Date:    dayStart.Format("2006-01-02"),
			Total:   total,
			Allowed: allowed,
			Denied:  total - allowed,
		})
	}
	return nil
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*1000) / 10
}
