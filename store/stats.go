package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RateBucket is a total/success/failure triple over one window or bucket.
type RateBucket struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

// RunTotals counts completed task runs since cutoffTS.
func (s *Store) RunTotals(ctx context.Context, cutoffTS string) (RateBucket, error) {
	var (
		b       RateBucket
		success sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*), SUM(CASE WHEN ok = 1 THEN 1 ELSE 0 END)
FROM ops_task_runs
WHERE ended_at IS NOT NULL AND ended_at >= ?`, cutoffTS,
	).Scan(&b.Total, &success)
	if err != nil {
		return b, fmt.Errorf("store: run totals: %w", err)
	}
	b.Success = success.Int64
	b.Failure = b.Total - b.Success
	if b.Failure < 0 {
		b.Failure = 0
	}
	return b, nil
}

// NotifyTotals counts delivered/failed notify attempts for one channel
// since cutoffTS. Skipped attempts are excluded from the rate.
func (s *Store) NotifyTotals(ctx context.Context, cutoffTS, channel string) (RateBucket, error) {
	var (
		b                RateBucket
		success, failure sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT COUNT(*),
  SUM(CASE WHEN result = 'success' THEN 1 ELSE 0 END),
  SUM(CASE WHEN result = 'error' THEN 1 ELSE 0 END)
FROM ops_notify_runs
WHERE channel = ? AND ts >= ? AND result IN ('success', 'error')`,
		channel, cutoffTS,
	).Scan(&b.Total, &success, &failure)
	if err != nil {
		return b, fmt.Errorf("store: notify totals: %w", err)
	}
	b.Success = success.Int64
	b.Failure = failure.Int64
	return b, nil
}

// BucketCount is a (bucket index, total, success) aggregation row.
type BucketCount struct {
	Bucket  int64
	Total   int64
	Success int64
}

// RunBuckets groups completed runs into fixed-width time buckets starting
// at cutoffSec (unix seconds). Buckets outside [0, buckets) are dropped by
// the caller.
func (s *Store) RunBuckets(ctx context.Context, cutoffTS string, cutoffSec, bucketSeconds int64) ([]BucketCount, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT
  ((CAST(strftime('%s', ended_at) AS INTEGER) - ?) / ?) AS bucket,
  COUNT(*),
  SUM(CASE WHEN ok = 1 THEN 1 ELSE 0 END)
FROM ops_task_runs
WHERE ended_at IS NOT NULL AND ended_at >= ?
GROUP BY bucket
ORDER BY bucket ASC`, cutoffSec, bucketSeconds, cutoffTS)
	if err != nil {
		return nil, fmt.Errorf("store: run buckets: %w", err)
	}
	return scanBucketCounts(rows)
}

// NotifyBuckets groups notify attempts for one channel into fixed-width
// time buckets, counting only delivered/failed attempts.
func (s *Store) NotifyBuckets(ctx context.Context, channel, cutoffTS string, cutoffSec, bucketSeconds int64) ([]BucketCount, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT
  ((CAST(strftime('%s', ts) AS INTEGER) - ?) / ?) AS bucket,
  COUNT(*),
  SUM(CASE WHEN result = 'success' THEN 1 ELSE 0 END)
FROM ops_notify_runs
WHERE channel = ? AND ts >= ? AND result IN ('success', 'error')
GROUP BY bucket
ORDER BY bucket ASC`, cutoffSec, bucketSeconds, channel, cutoffTS)
	if err != nil {
		return nil, fmt.Errorf("store: notify buckets: %w", err)
	}
	return scanBucketCounts(rows)
}

func scanBucketCounts(rows *sql.Rows) ([]BucketCount, error) {
	defer rows.Close()
	var out []BucketCount
	for rows.Next() {
		var (
			b       BucketCount
			success sql.NullInt64
		)
		if err := rows.Scan(&b.Bucket, &b.Total, &success); err != nil {
			return nil, err
		}
		b.Success = success.Int64
		out = append(out, b)
	}
	return out, rows.Err()
}
