package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// OpsEvent is one durable row of the append-only ops event log. IDs are
// assigned by SQLite AUTOINCREMENT, strictly increasing in insert order.
type OpsEvent struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Event    string `json:"event"`
	DataJSON string `json:"data"`
}

// replayBatchLimit bounds one replay query so a client with a very old
// cursor cannot pull an unbounded result set.
const replayBatchLimit = 2000

// InsertOpsEvent appends one event and returns its assigned id. The ops
// manager serializes calls under its publish lock so ids, rows, and the
// live broadcast stay in one order.
func (s *Store) InsertOpsEvent(ctx context.Context, ts, event, dataJSON string) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO ops_events (ts, event, data_json) VALUES (?, ?, ?)`,
		ts, event, dataJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert ops event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: ops event id: %w", err)
	}
	return id, nil
}

// OpsEventCursor returns the current high-water mark id (0 when empty).
func (s *Store) OpsEventCursor(ctx context.Context) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM ops_events`,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: ops event cursor: %w", err)
	}
	return id, nil
}

// MinOpsEventIDSince returns the earliest event id at or after cutoffTS,
// or ok=false when no event falls inside the window.
func (s *Store) MinOpsEventIDSince(ctx context.Context, cutoffTS string) (int64, bool, error) {
	var id sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		`SELECT MIN(id) FROM ops_events WHERE ts >= ?`, cutoffTS,
	).Scan(&id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("store: min ops event id: %w", err)
	}
	if !id.Valid {
		return 0, false, nil
	}
	return id.Int64, true, nil
}

// OpsEventsAfter returns events with id > afterID and ts >= cutoffTS,
// ascending by id, capped at the replay batch limit. Within the window the
// result is gap-free because ids are assigned in insert order.
func (s *Store) OpsEventsAfter(ctx context.Context, afterID int64, cutoffTS string) ([]OpsEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, ts, event, data_json
FROM ops_events
WHERE id > ? AND ts >= ?
ORDER BY id ASC
LIMIT ?`, afterID, cutoffTS, replayBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("store: ops events after: %w", err)
	}
	defer rows.Close()

	var out []OpsEvent
	for rows.Next() {
		var e OpsEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Event, &e.DataJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// OpsLogTail returns the newest `limit` ops.log events, oldest first.
func (s *Store) OpsLogTail(ctx context.Context, limit int) ([]OpsEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, ts, event, data_json
FROM ops_events
WHERE event = 'ops.log'
ORDER BY id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: ops log tail: %w", err)
	}
	defer rows.Close()

	var out []OpsEvent
	for rows.Next() {
		var e OpsEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Event, &e.DataJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
