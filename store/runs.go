package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/catnap/catalog"
)

// FetchMeta is the transport-level outcome of one upstream fetch.
type FetchMeta struct {
	URL        string `json:"url"`
	HTTPStatus int    `json:"httpStatus"`
	Bytes      int64  `json:"bytes"`
	ElapsedMs  int64  `json:"elapsedMs"`
}

// ParseMeta is the parse outcome of one upstream fetch.
type ParseMeta struct {
	OK              bool  `json:"ok"`
	ProducedConfigs int64 `json:"producedConfigs"`
	ElapsedMs       int64 `json:"elapsedMs"`
}

// RunFinish carries everything recorded when a task run ends.
type RunFinish struct {
	EndedAt      string
	OK           bool
	Fetch        *FetchMeta
	Parse        *ParseMeta
	ErrorCode    string
	ErrorMessage string
}

// StartTaskRun inserts the run row at task start and returns its id.
func (s *Store) StartTaskRun(ctx context.Context, key catalog.SourceKey, startedAt string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO ops_task_runs (fid, gid, started_at, ended_at, ok)
VALUES (?, ?, ?, NULL, 0)`,
		key.FID, nullStr(key.GID), startedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("store: start task run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: task run id: %w", err)
	}
	return id, nil
}

// FinishTaskRun fills in the terminal columns of a run row.
func (s *Store) FinishTaskRun(ctx context.Context, runID int64, fin RunFinish) error {
	var (
		httpStatus, fetchBytes, fetchElapsed any
		produced, parseElapsed               any
	)
	if fin.Fetch != nil {
		httpStatus = fin.Fetch.HTTPStatus
		fetchBytes = fin.Fetch.Bytes
		fetchElapsed = fin.Fetch.ElapsedMs
	}
	if fin.Parse != nil {
		produced = fin.Parse.ProducedConfigs
		parseElapsed = fin.Parse.ElapsedMs
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE ops_task_runs SET
  ended_at = ?, ok = ?,
  fetch_http_status = ?, fetch_bytes = ?, fetch_elapsed_ms = ?,
  parse_produced_configs = ?, parse_elapsed_ms = ?,
  error_code = ?, error_message = ?
WHERE id = ?`,
		fin.EndedAt, boolInt(fin.OK),
		httpStatus, fetchBytes, fetchElapsed,
		produced, parseElapsed,
		nullStr(fin.ErrorCode), nullStr(fin.ErrorMessage),
		runID,
	)
	if err != nil {
		return fmt.Errorf("store: finish task run %d: %w", runID, err)
	}
	return nil
}

// LastRun is the most recent completed run outcome for one source key.
type LastRun struct {
	EndedAt string `json:"endedAt"`
	OK      bool   `json:"ok"`
}

// LastRunForKey returns the latest completed run for a key, or nil.
func (s *Store) LastRunForKey(ctx context.Context, key catalog.SourceKey) (*LastRun, error) {
	q := `SELECT ended_at, ok FROM ops_task_runs
WHERE fid = ? AND ended_at IS NOT NULL`
	args := []any{key.FID}
	if key.GID == "" {
		q += ` AND gid IS NULL`
	} else {
		q += ` AND gid = ?`
		args = append(args, key.GID)
	}
	q += ` ORDER BY ended_at DESC, id DESC LIMIT 1`

	var (
		lr LastRun
		ok int64
	)
	err := s.DB.QueryRowContext(ctx, q, args...).Scan(&lr.EndedAt, &ok)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: last run for key: %w", err)
	}
	lr.OK = ok != 0
	return &lr, nil
}

// CountCompletedRuns returns how many run rows have ended. Used by the
// dedup tests and the dashboard.
func (s *Store) CountCompletedRuns(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ops_task_runs WHERE ended_at IS NOT NULL`,
	).Scan(&n)
	return n, err
}

// InsertNotifyRun records one notification attempt tied to a run.
func (s *Store) InsertNotifyRun(ctx context.Context, runID int64, ts, channel, result, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO ops_notify_runs (task_run_id, ts, channel, result, error_message)
VALUES (?, ?, ?, ?, ?)`,
		runID, ts, channel, result, nullStr(errMsg),
	)
	if err != nil {
		return fmt.Errorf("store: insert notify run: %w", err)
	}
	return nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
