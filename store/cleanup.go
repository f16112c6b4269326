package store

import (
	"context"
	"fmt"
	"time"
)

// CleanupLogs trims event_logs by age and by total row count.
func (s *Store) CleanupLogs(ctx context.Context, retentionDays, maxRows int) error {
	if retentionDays > 0 {
		cutoff := FormatTS(time.Now().AddDate(0, 0, -retentionDays))
		if _, err := s.DB.ExecContext(ctx,
			`DELETE FROM event_logs WHERE ts < ?`, cutoff); err != nil {
			return fmt.Errorf("store: cleanup logs by age: %w", err)
		}
	}
	if maxRows > 0 {
		_, err := s.DB.ExecContext(ctx, `
DELETE FROM event_logs
WHERE id IN (
  SELECT id FROM event_logs
  ORDER BY ts DESC, id DESC
  LIMIT -1 OFFSET ?
)`, maxRows)
		if err != nil {
			return fmt.Errorf("store: cleanup logs by count: %w", err)
		}
	}
	return nil
}

// CleanupOps ages out ops_events, ops_notify_runs, and ops_task_runs.
// Replay cursors older than the retention window trigger the SSE reset
// path, so this is the only deleter of ops events.
func (s *Store) CleanupOps(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := FormatTS(time.Now().AddDate(0, 0, -retentionDays))

	if _, err := s.DB.ExecContext(ctx,
		`DELETE FROM ops_events WHERE ts < ?`, cutoff); err != nil {
		return fmt.Errorf("store: cleanup ops events: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx,
		`DELETE FROM ops_notify_runs WHERE ts < ?`, cutoff); err != nil {
		return fmt.Errorf("store: cleanup notify runs: %w", err)
	}
	_, err := s.DB.ExecContext(ctx, `
DELETE FROM ops_task_runs
WHERE (ended_at IS NOT NULL AND ended_at < ?)
   OR (ended_at IS NULL AND started_at < ?)`, cutoff, cutoff)
	if err != nil {
		return fmt.Errorf("store: cleanup task runs: %w", err)
	}
	return nil
}

// CleanupInventorySamples ages out minute samples.
func (s *Store) CleanupInventorySamples(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := FloorMinuteTS(time.Now().AddDate(0, 0, -retentionDays))
	if _, err := s.DB.ExecContext(ctx,
		`DELETE FROM inventory_samples_1m WHERE ts_minute < ?`, cutoff); err != nil {
		return fmt.Errorf("store: cleanup inventory samples: %w", err)
	}
	return nil
}
