package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// URLCacheRow is the last successful fetch record for one source key.
type URLCacheRow struct {
	URLKey        string
	URL           string
	ConfigIDs     []string
	LastSuccessAt string
}

// GetURLCache returns the cache row for urlKey, or nil when none exists.
func (s *Store) GetURLCache(ctx context.Context, urlKey string) (*URLCacheRow, error) {
	var (
		row     URLCacheRow
		idsJSON string
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT url_key, url, config_ids_json, last_success_at
FROM catalog_url_cache WHERE url_key = ?`, urlKey,
	).Scan(&row.URLKey, &row.URL, &idsJSON, &row.LastSuccessAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: url cache get: %w", err)
	}
	if err := json.Unmarshal([]byte(idsJSON), &row.ConfigIDs); err != nil {
		row.ConfigIDs = nil
	}
	return &row, nil
}
