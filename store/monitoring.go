package store

import (
	"context"
	"fmt"
)

// SetMonitoringEnabled flips the per-user monitoring flag for one config.
func (s *Store) SetMonitoringEnabled(ctx context.Context, userID, configID string, enabled bool) error {
	now := NowTS()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO monitoring_configs (user_id, config_id, enabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(user_id, config_id) DO UPDATE SET
  enabled = excluded.enabled,
  updated_at = excluded.updated_at`,
		userID, configID, boolInt(enabled), now, now,
	)
	if err != nil {
		return fmt.Errorf("store: set monitoring %s/%s: %w", userID, configID, err)
	}
	return nil
}

// ListEnabledMonitoringIDs returns the config ids one user monitors.
func (s *Store) ListEnabledMonitoringIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT config_id FROM monitoring_configs WHERE user_id = ? AND enabled = 1`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: enabled monitoring ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListMonitoringUsers returns every user id with at least one enabled
// monitoring entry. The poller walks this set.
func (s *Store) ListMonitoringUsers(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM monitoring_configs WHERE enabled = 1 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("store: monitoring users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
