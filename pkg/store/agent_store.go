package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Agent is an autonomous agent identity.
type Agent struct {
	AgentID     string    `json:"agent_id"`
	Name        string    `json:"name"`
	OwnerTeam   string    `json:"owner_team"`
	Environment string    `json:"environment"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AdminUser is a human operator identity. An empty Team means the admin
// spans all teams.
type AdminUser struct {
	AdminID   string    `json:"admin_id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Team      string    `json:"team,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentStore persists agents, their API credentials, and admin users.
// Raw secrets are returned exactly once on creation; only the SHA-256 hash
// and a short diagnostic prefix are retained.
type AgentStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewAgentStore creates the store and its tables.
func NewAgentStore(db *sql.DB) (*AgentStore, error) {
	s := &AgentStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate agent store: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *AgentStore) WithClock(clock func() time.Time) *AgentStore {
	s.clock = clock
	return s
}

func (s *AgentStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id    TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			owner_team  TEXT NOT NULL,
			environment TEXT NOT NULL,
			is_active   INTEGER NOT NULL DEFAULT 1,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_keys (
			key_hash   TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			is_active  INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_keys_agent ON agent_keys (agent_id)`,
		`CREATE TABLE IF NOT EXISTS admin_users (
			admin_id        TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			role            TEXT NOT NULL,
			team            TEXT,
			credential_hash TEXT NOT NULL UNIQUE,
			key_prefix      TEXT NOT NULL,
			is_active       INTEGER NOT NULL DEFAULT 1,
			created_at      TEXT NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return err
		}
	}
	return nil
}

// CreateAgent registers an agent and issues its API key. The raw key is
// returned here and never again.
func (s *AgentStore) CreateAgent(ctx context.Context, name, ownerTeam, environment string) (*Agent, string, error) {
	now := s.clock().UTC()
	agent := &Agent{
		AgentID:     "agt_" + randomToken(12),
		Name:        name,
		OwnerTeam:   ownerTeam,
		Environment: environment,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	rawKey := "agk_" + randomToken(32)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("begin create agent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (agent_id, name, owner_team, environment, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 1, $5, $6)`,
		agent.AgentID, agent.Name, agent.OwnerTeam, agent.Environment,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, "", fmt.Errorf("insert agent: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_keys (key_hash, agent_id, key_prefix, is_active, created_at)
		 VALUES ($1, $2, $3, 1, $4)`,
		HashKey(rawKey), agent.AgentID, keyPrefix(rawKey), formatTime(now),
	)
	if err != nil {
		return nil, "", fmt.Errorf("insert agent key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("commit create agent: %w", err)
	}
	return agent, rawKey, nil
}

// GetAgent returns the agent or ErrNotFound.
func (s *AgentStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, name, owner_team, environment, is_active, created_at, updated_at
		 FROM agents WHERE agent_id = $1`, agentID)
	return scanAgent(row)
}

// ListAgents returns all agents, newest first.
func (s *AgentStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, name, owner_team, environment, is_active, created_at, updated_at
		 FROM agents ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeactivateAgent soft-deactivates the agent and invalidates all of its
// keys. Policy and audit history are retained.
func (s *AgentStore) DeactivateAgent(ctx context.Context, agentID string) error {
	now := formatTime(s.clock().UTC())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin deactivate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET is_active = 0, updated_at = $1 WHERE agent_id = $2`, now, agentID)
	if err != nil {
		return fmt.Errorf("deactivate agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_keys SET is_active = 0 WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("deactivate agent keys: %w", err)
	}
	return tx.Commit()
}

// LookupAgentByKey resolves a raw API key to its active agent. Inactive
// keys and deactivated agents return ErrNotFound.
func (s *AgentStore) LookupAgentByKey(ctx context.Context, rawKey string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT a.agent_id, a.name, a.owner_team, a.environment, a.is_active, a.created_at, a.updated_at
		 FROM agent_keys k JOIN agents a ON a.agent_id = k.agent_id
		 WHERE k.key_hash = $1 AND k.is_active = 1 AND a.is_active = 1`,
		HashKey(rawKey))
	return scanAgent(row)
}

// CreateAdminUser registers an admin and issues their key, returned once.
func (s *AgentStore) CreateAdminUser(ctx context.Context, name, role, team string) (*AdminUser, string, error) {
	now := s.clock().UTC()
	admin := &AdminUser{
		AdminID:   "adm_" + randomToken(10),
		Name:      name,
		Role:      role,
		Team:      team,
		IsActive:  true,
		CreatedAt: now,
	}
	rawKey := "adk_" + randomToken(32)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_users (admin_id, name, role, team, credential_hash, key_prefix, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 1, $7)`,
		admin.AdminID, admin.Name, admin.Role, nullString(admin.Team),
		HashKey(rawKey), keyPrefix(rawKey), formatTime(now),
	)
	if err != nil {
		return nil, "", fmt.Errorf("insert admin user: %w", err)
	}
	return admin, rawKey, nil
}

// LookupAdminByKey resolves a raw admin key to its active admin user.
func (s *AgentStore) LookupAdminByKey(ctx context.Context, rawKey string) (*AdminUser, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT admin_id, name, role, team, is_active, created_at
		 FROM admin_users WHERE credential_hash = $1 AND is_active = 1`,
		HashKey(rawKey))

	var admin AdminUser
	var team sql.NullString
	var isActive int
	var createdAt string
	err := row.Scan(&admin.AdminID, &admin.Name, &admin.Role, &team, &isActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup admin: %w", err)
	}
	admin.Team = team.String
	admin.IsActive = isActive != 0
	if admin.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &admin, nil
}

// HashKey is the stored form of an API key: hex SHA-256 of the raw key.
// Exact-hash lookup keeps credential resolution a single indexed read.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// keyPrefix keeps the first characters of a key for log diagnostics.
func keyPrefix(rawKey string) string {
	if len(rawKey) < 8 {
		return rawKey
	}
	return rawKey[:8]
}

// randomToken returns a URL-safe token from n random bytes.
func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var isActive int
	var createdAt, updatedAt string
	err := row.Scan(&a.AgentID, &a.Name, &a.OwnerTeam, &a.Environment, &isActive, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.IsActive = isActive != 0
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
