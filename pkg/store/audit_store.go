package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MEGA-M1ND/AgentGuard/pkg/audit"
)

// AuditLogStore persists the per-agent hash-chained audit log. Appends for
// the same agent are serialized through a striped mutex so chain linkage is
// computed under exclusion; a chain-heads table keeps head lookup O(1) and
// gives each entry a position for ordered reads.
type AuditLogStore struct {
	db      *sql.DB
	clock   func() time.Time
	stripes [64]sync.Mutex
}

// NewAuditLogStore creates the store and its tables.
func NewAuditLogStore(db *sql.DB) (*AuditLogStore, error) {
	s := &AuditLogStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit store: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *AuditLogStore) WithClock(clock func() time.Time) *AuditLogStore {
	s.clock = clock
	return s
}

func (s *AuditLogStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS audit_logs (
			log_id      TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL,
			position    INTEGER NOT NULL,
			timestamp   TEXT NOT NULL,
			action      TEXT NOT NULL,
			resource    TEXT,
			context     TEXT,
			allowed     INTEGER NOT NULL,
			result      TEXT NOT NULL,
			metadata    TEXT,
			request_id  TEXT,
			prev_log_id TEXT,
			chain_hash  TEXT NOT NULL,
			UNIQUE (agent_id, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_agent_time ON audit_logs (agent_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS audit_chain_heads (
			agent_id   TEXT PRIMARY KEY,
			log_id     TEXT NOT NULL,
			chain_hash TEXT NOT NULL,
			length     INTEGER NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return err
		}
	}
	return nil
}

func (s *AuditLogStore) stripe(agentID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return &s.stripes[h.Sum32()%uint32(len(s.stripes))]
}

// Append writes one entry, linking it to the agent's current chain head.
// LogID and Timestamp are assigned here when unset. The insert and the head
// advance commit in one transaction; a failed append leaves the chain
// untouched.
func (s *AuditLogStore) Append(ctx context.Context, e *audit.Entry) (*audit.Entry, error) {
	if e.AgentID == "" {
		return nil, errors.New("audit entry requires agent_id")
	}
	mu := s.stripe(e.AgentID)
	mu.Lock()
	defer mu.Unlock()

	if e.LogID == "" {
		e.LogID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin audit append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevLogID, prevHash string
	var length int64
	row := tx.QueryRowContext(ctx,
		`SELECT log_id, chain_hash, length FROM audit_chain_heads WHERE agent_id = $1`, e.AgentID)
	err = row.Scan(&prevLogID, &prevHash, &length)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	e.PrevLogID = prevLogID
	e.ChainHash, err = audit.ChainHash(prevHash, e)
	if err != nil {
		return nil, err
	}

	contextJSON, err := marshalNullable(e.Context)
	if err != nil {
		return nil, fmt.Errorf("serialize entry context: %w", err)
	}
	metadataJSON, err := marshalNullable(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("serialize entry metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_logs
		   (log_id, agent_id, position, timestamp, action, resource, context,
		    allowed, result, metadata, request_id, prev_log_id, chain_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.LogID, e.AgentID, length+1, formatTime(e.Timestamp), e.Action,
		nullString(e.Resource), contextJSON, boolInt(e.Allowed), string(e.Result),
		metadataJSON, nullString(e.RequestID), nullString(e.PrevLogID), e.ChainHash,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_chain_heads (agent_id, log_id, chain_hash, length)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (agent_id) DO UPDATE SET log_id = $2, chain_hash = $3, length = $4`,
		e.AgentID, e.LogID, e.ChainHash, length+1,
	)
	if err != nil {
		return nil, fmt.Errorf("advance chain head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit audit append: %w", err)
	}
	return e, nil
}

// EntriesForAgent returns the agent's full chain in append order.
func (s *AuditLogStore) EntriesForAgent(ctx context.Context, agentID string) ([]*audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEntryColumns+` FROM audit_logs WHERE agent_id = $1 ORDER BY position ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("read chain: %w", err)
	}
	return collectEntries(rows)
}

// LatestForAgent returns the agent's chain head entry, or ErrNotFound for
// an empty chain.
func (s *AuditLogStore) LatestForAgent(ctx context.Context, agentID string) (*audit.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		selectEntryColumns+` FROM audit_logs WHERE agent_id = $1 ORDER BY position DESC LIMIT 1`, agentID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// LogFilter narrows a log listing. Zero values are not applied.
type LogFilter struct {
	AgentID string
	Action  string
	Allowed *bool
	Since   time.Time
	Until   time.Time
	Limit   int
	Offset  int
}

// List returns entries newest first, applying the filter, plus the filtered
// total across all pages. Limit defaults to 100 and caps at 1000.
func (s *AuditLogStore) List(ctx context.Context, f LogFilter) (entries []*audit.Entry, total int, err error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}

	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Allowed != nil {
		add("allowed = $%d", boolInt(*f.Allowed))
	}
	if !f.Since.IsZero() {
		add("timestamp >= $%d", formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		add("timestamp <= $%d", formatTime(f.Until))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...)
	if err = row.Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	query := selectEntryColumns + ` FROM audit_logs` + where +
		fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	entries, err = collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

const selectEntryColumns = `SELECT log_id, agent_id, timestamp, action, resource, context,
	allowed, result, metadata, request_id, prev_log_id, chain_hash`

func collectEntries(rows *sql.Rows) ([]*audit.Entry, error) {
	defer func() { _ = rows.Close() }()
	var entries []*audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row rowScanner) (*audit.Entry, error) {
	var e audit.Entry
	var timestamp string
	var resource, contextJSON, metadataJSON, requestID, prevLogID sql.NullString
	var allowed int

	err := row.Scan(&e.LogID, &e.AgentID, &timestamp, &e.Action, &resource, &contextJSON,
		&allowed, &e.Result, &metadataJSON, &requestID, &prevLogID, &e.ChainHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}

	e.Resource = resource.String
	e.RequestID = requestID.String
	e.PrevLogID = prevLogID.String
	e.Allowed = allowed != 0
	if e.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, err
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &e.Context); err != nil {
			return nil, fmt.Errorf("parse stored context: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("parse stored metadata: %w", err)
		}
	}
	return &e, nil
}

func marshalNullable(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
