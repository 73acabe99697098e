// Package store implements the relational data access layer: agents and
// credentials, policies, approvals, the chained audit log, and the token
// revocation set. One schema serves both SQLite (dev, tests) and Postgres
// (production); queries use $n placeholders, which both drivers accept.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyDecided means an approval request is already terminal.
	ErrAlreadyDecided = errors.New("approval already decided")
)

// Open connects to the database named by a URL. Supported schemes:
// postgres:// (lib/pq) and sqlite:// (modernc, path or ":memory:").
func Open(databaseURL string) (*sql.DB, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		if path == "" {
			path = ":memory:"
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// The sqlite driver serializes writes; a single connection avoids
		// SQLITE_BUSY under concurrent writers.
		db.SetMaxOpenConns(1)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database url scheme in %q", databaseURL)
	}
}

// Ping verifies connectivity within a bounded window.
func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// timestamps are stored as RFC 3339 UTC text so SQLite and Postgres sort
// and compare them identically. The fractional part is fixed width; trimmed
// zeros would make "…00Z" sort after "…00.5Z" within the same second.

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
