package store

import (
	"context"
	"fmt"
)

// InventorySample is one minute-bucketed stock observation.
type InventorySample struct {
	ConfigID string `json:"configId"`
	TSMinute string `json:"tsMinute"`
	Quantity int64  `json:"quantity"`
}

// ListInventorySamples returns samples for the given config ids inside
// [fromTS, toTS], ordered by config then minute.
func (s *Store) ListInventorySamples(ctx context.Context, configIDs []string, fromTS, toTS string) ([]InventorySample, error) {
	if len(configIDs) == 0 {
		return nil, nil
	}
	q := `SELECT config_id, ts_minute, inventory_quantity
FROM inventory_samples_1m
WHERE config_id IN (` + placeholders(len(configIDs)) + `)
  AND ts_minute >= ? AND ts_minute <= ?
ORDER BY config_id ASC, ts_minute ASC`
	args := make([]any, 0, len(configIDs)+2)
	for _, id := range configIDs {
		args = append(args, id)
	}
	args = append(args, fromTS, toTS)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: inventory samples: %w", err)
	}
	defer rows.Close()

	var out []InventorySample
	for rows.Next() {
		var sm InventorySample
		if err := rows.Scan(&sm.ConfigID, &sm.TSMinute, &sm.Quantity); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}
