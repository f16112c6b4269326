package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/catnap/catalog"
	"github.com/hazyhaar/catnap/dbopen"
)

// ErrEmptyFetch is returned when a fetch produced zero configs while the
// baseline for the same source is non-empty. An empty parse is ambiguous
// (truly-empty page vs. silent scraper breakage) and the damaging reading
// is mass-delisting, so the apply refuses instead of guessing.
var ErrEmptyFetch = errors.New("empty config list against non-empty baseline")

// ApplyResult is the lifecycle diff computed by one ApplyURLFetch call.
type ApplyResult struct {
	ListedIDs   []string
	DelistedIDs []string
	FetchedAt   time.Time
}

// ApplyURLFetch reconciles a successful fetch for one source against the
// persisted catalog, inside a single transaction:
//
//   - baseline = the url cache's recorded id set, falling back to the
//     currently-active configs rows matching the source
//   - every fetched config is upserted as active
//   - baseline ids missing from the fetch are marked delisted (idempotent)
//   - the url cache row is replaced with the new id set
//
// The dispatcher guarantees at most one in-flight call per source key, so
// this only needs to be safe across different keys.
func (s *Store) ApplyURLFetch(ctx context.Context, key catalog.SourceKey, url string, configs []catalog.Config) (*ApplyResult, error) {
	now := time.Now()
	fetchedAt := FormatTS(now)
	urlKey := key.URLKey()
	for i := range configs {
		configs[i].Inventory.CheckedAt = now.UTC()
	}

	var res *ApplyResult
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		prev, err := baselineIDs(ctx, tx, key, urlKey)
		if err != nil {
			return err
		}

		if len(configs) == 0 && len(prev) > 0 {
			return fmt.Errorf("store: refusing to apply for %s (would delist %d ids): %w",
				urlKey, len(prev), ErrEmptyFetch)
		}

		fetched := make(map[string]struct{}, len(configs))
		fetchedIDs := make([]string, 0, len(configs))
		for i := range configs {
			fetched[configs[i].ID] = struct{}{}
			fetchedIDs = append(fetchedIDs, configs[i].ID)
		}

		var listed, delisted []string
		for id := range fetched {
			if _, ok := prev[id]; !ok {
				listed = append(listed, id)
			}
		}
		for id := range prev {
			if _, ok := fetched[id]; !ok {
				delisted = append(delisted, id)
			}
		}

		for i := range configs {
			if err := upsertConfig(ctx, tx, &configs[i], fetchedAt); err != nil {
				return err
			}
		}

		if len(delisted) > 0 {
			q := `UPDATE catalog_configs
SET lifecycle_state = 'delisted', lifecycle_delisted_at = ?
WHERE id IN (` + placeholders(len(delisted)) + `) AND lifecycle_state != 'delisted'`
			args := make([]any, 0, len(delisted)+1)
			args = append(args, fetchedAt)
			for _, id := range delisted {
				args = append(args, id)
			}
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("store: delist: %w", err)
			}
		}

		idsJSON, err := json.Marshal(fetchedIDs)
		if err != nil {
			return fmt.Errorf("store: marshal ids: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO catalog_url_cache (url_key, url, config_ids_json, last_success_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(url_key) DO UPDATE SET
  url = excluded.url,
  config_ids_json = excluded.config_ids_json,
  last_success_at = excluded.last_success_at,
  updated_at = excluded.updated_at`,
			urlKey, url, string(idsJSON), fetchedAt, fetchedAt,
		)
		if err != nil {
			return fmt.Errorf("store: url cache upsert: %w", err)
		}

		res = &ApplyResult{ListedIDs: listed, DelistedIDs: delisted, FetchedAt: now.UTC()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// baselineIDs prefers the url cache's recorded id set; with no cache row it
// falls back to the active configs whose source columns match the key
// (NULL gid matches only an absent gid).
func baselineIDs(ctx context.Context, tx *sql.Tx, key catalog.SourceKey, urlKey string) (map[string]struct{}, error) {
	var idsJSON string
	err := tx.QueryRowContext(ctx,
		`SELECT config_ids_json FROM catalog_url_cache WHERE url_key = ?`, urlKey,
	).Scan(&idsJSON)
	switch {
	case err == nil:
		var ids []string
		if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
			ids = nil
		}
		out := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			out[id] = struct{}{}
		}
		return out, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to the configs table
	default:
		return nil, fmt.Errorf("store: baseline cache lookup: %w", err)
	}

	q := `SELECT id FROM catalog_configs
WHERE source_fid = ? AND lifecycle_state = 'active'`
	args := []any{key.FID}
	if key.GID == "" {
		q += ` AND source_gid IS NULL`
	} else {
		q += ` AND source_gid = ?`
		args = append(args, key.GID)
	}
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: baseline configs lookup: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}
