package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RevocationStore is the persistent revoked-token set. Revocations are
// idempotent; rows become sweepable once their natural expiry plus a grace
// period has passed.
type RevocationStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewRevocationStore creates the store and its table.
func NewRevocationStore(db *sql.DB) (*RevocationStore, error) {
	s := &RevocationStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate revocation store: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *RevocationStore) WithClock(clock func() time.Time) *RevocationStore {
	s.clock = clock
	return s
}

func (s *RevocationStore) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS revoked_tokens (
			jti        TEXT PRIMARY KEY,
			revoked_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expiry ON revoked_tokens (expires_at)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return err
		}
	}
	return nil
}

// Revoke adds the token identifier to the set. Revoking twice is a no-op.
func (s *RevocationStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return errors.New("revoke requires a jti")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (jti, revoked_at, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (jti) DO NOTHING`,
		jti, formatTime(s.clock().UTC()), formatTime(expiresAt),
	)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether the token identifier is in the set.
func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM revoked_tokens WHERE jti = $1`, jti).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return true, nil
}

// Sweep deletes rows whose natural expiry passed more than grace ago and
// returns the number removed. Live entries are never touched.
func (s *RevocationStore) Sweep(ctx context.Context, grace time.Duration) (int, error) {
	if grace < 0 {
		grace = 0
	}
	cutoff := s.clock().UTC().Add(-grace)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM revoked_tokens WHERE expires_at < $1`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweep revocations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
