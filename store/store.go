// Package store is the data access layer: catalog configs with lifecycle
// columns, the url fetch cache, the durable ops event log, run history,
// per-user settings and monitoring selections.
//
// Timestamps are stored as RFC3339 TEXT in UTC. RFC3339 strings order
// lexically the same way they order chronologically, which the replay and
// cleanup queries rely on.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store wraps the catnap database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Init creates all tables and indexes. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// zeroTS is the sentinel for "never observed" lifecycle timestamps.
const zeroTS = "1970-01-01T00:00:00Z"

// FormatTS renders a time as the canonical stored RFC3339 UTC string.
func FormatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTS parses a stored RFC3339 string.
func ParseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// NowTS is the current time in stored form.
func NowTS() string {
	return FormatTS(time.Now())
}

// FloorMinuteTS truncates a time to the minute, in stored form. Used as
// the inventory sample bucket key.
func FloorMinuteTS(t time.Time) string {
	return FormatTS(t.UTC().Truncate(time.Minute))
}
