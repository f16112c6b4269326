package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/catnap/catalog"
)

// ConfigRow is a catalog config as persisted, with its lifecycle columns
// and the per-user monitoring flag resolved by the query.
type ConfigRow struct {
	catalog.Config
	Lifecycle      catalog.Lifecycle `json:"lifecycle"`
	MonitorEnabled bool              `json:"monitorEnabled"`
}

const configColumns = `
  c.id,
  c.country_id,
  c.region_id,
  c.name,
  c.specs_json,
  c.price_amount,
  c.price_currency,
  c.price_period,
  c.inventory_status,
  c.inventory_quantity,
  c.checked_at,
  c.config_digest,
  c.lifecycle_state,
  c.lifecycle_listed_at,
  c.lifecycle_delisted_at,
  c.lifecycle_last_seen_at,
  COALESCE(m.enabled, 0) AS monitor_enabled`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfigRow(r rowScanner) (*ConfigRow, error) {
	var (
		row        ConfigRow
		regionID   sql.NullString
		specsJSON  string
		checkedAt  string
		listedAt   string
		delistedAt sql.NullString
		lastSeenAt string
		enabled    int64
	)
	err := r.Scan(
		&row.ID, &row.CountryID, &regionID, &row.Name, &specsJSON,
		&row.Price.Amount, &row.Price.Currency, &row.Price.Period,
		&row.Inventory.Status, &row.Inventory.Quantity, &checkedAt,
		&row.Digest,
		&row.Lifecycle.State, &listedAt, &delistedAt, &lastSeenAt,
		&enabled,
	)
	if err != nil {
		return nil, err
	}
	row.RegionID = regionID.String
	if err := json.Unmarshal([]byte(specsJSON), &row.Specs); err != nil {
		row.Specs = nil
	}
	row.Inventory.CheckedAt, _ = ParseTS(checkedAt)
	row.Lifecycle.ListedAt, _ = ParseTS(listedAt)
	row.Lifecycle.LastSeenAt, _ = ParseTS(lastSeenAt)
	if delistedAt.Valid {
		if t, err := ParseTS(delistedAt.String); err == nil {
			row.Lifecycle.DelistedAt = &t
		}
	}
	row.MonitorEnabled = enabled != 0
	row.MonitorSupported = monitorSupported(row.CountryID)
	row.SourceFID = row.CountryID
	row.SourceGID = row.RegionID
	return &row, nil
}

// Country "2" hosts entries with no live inventory counter upstream, so
// stock monitoring is meaningless there.
func monitorSupported(countryID string) bool {
	return strings.TrimSpace(countryID) != "2"
}

// ListConfigs returns catalog configs, optionally filtered by country and
// region, with the given user's monitoring flags joined in.
func (s *Store) ListConfigs(ctx context.Context, userID, countryID, regionID string) ([]*ConfigRow, error) {
	q := `SELECT` + configColumns + `
FROM catalog_configs c
LEFT JOIN monitoring_configs m ON m.user_id = ? AND m.config_id = c.id
WHERE 1 = 1`
	args := []any{userID}
	if countryID != "" {
		q += " AND c.country_id = ?"
		args = append(args, countryID)
	}
	if regionID != "" {
		q += " AND c.region_id = ?"
		args = append(args, regionID)
	}
	q += " ORDER BY c.country_id ASC, c.region_id ASC, c.price_amount ASC, c.id ASC"

	return s.queryConfigs(ctx, q, args...)
}

// ListMonitored returns the configs the user has monitoring enabled for.
func (s *Store) ListMonitored(ctx context.Context, userID string) ([]*ConfigRow, error) {
	q := `SELECT` + configColumns + `
FROM catalog_configs c
JOIN monitoring_configs m ON m.user_id = ? AND m.config_id = c.id AND m.enabled = 1
ORDER BY c.country_id ASC, c.region_id ASC, c.price_amount ASC, c.id ASC`
	return s.queryConfigs(ctx, q, userID)
}

// ListRecentlyListed returns configs whose listed_at is at or after cutoff,
// newest first.
func (s *Store) ListRecentlyListed(ctx context.Context, userID, cutoffTS string) ([]*ConfigRow, error) {
	q := `SELECT` + configColumns + `
FROM catalog_configs c
LEFT JOIN monitoring_configs m ON m.user_id = ? AND m.config_id = c.id
WHERE c.lifecycle_listed_at >= ?
ORDER BY c.lifecycle_listed_at DESC, c.id DESC
LIMIT 200`
	return s.queryConfigs(ctx, q, userID, cutoffTS)
}

func (s *Store) queryConfigs(ctx context.Context, q string, args ...any) ([]*ConfigRow, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query configs: %w", err)
	}
	defer rows.Close()

	var out []*ConfigRow
	for rows.Next() {
		row, err := scanConfigRow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan config: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ConfigSummary is the short form used in notification messages.
type ConfigSummary struct {
	ID          string
	Name        string
	PriceAmount float64
	Quantity    int64
}

// ListConfigSummaries loads name/price/quantity for a set of config ids.
func (s *Store) ListConfigSummaries(ctx context.Context, ids []string) ([]ConfigSummary, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT id, name, price_amount, inventory_quantity
FROM catalog_configs WHERE id IN (` + placeholders(len(ids)) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: config summaries: %w", err)
	}
	defer rows.Close()

	var out []ConfigSummary
	for rows.Next() {
		var c ConfigSummary
		if err := rows.Scan(&c.ID, &c.Name, &c.PriceAmount, &c.Quantity); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PollSnapshot is the compare set the poller reads before and after a
// fetch: quantity for restock, price for price moves, digest for config
// changes.
type PollSnapshot struct {
	ID       string
	Name     string
	Key      catalog.SourceKey
	Quantity int64
	Price    float64
	Digest   string
}

// ListPollSnapshots loads the compare columns for a set of config ids.
// Ids with no row are simply absent from the result.
func (s *Store) ListPollSnapshots(ctx context.Context, ids []string) ([]PollSnapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT id, name, country_id, region_id, inventory_quantity, price_amount, config_digest
FROM catalog_configs WHERE id IN (` + placeholders(len(ids)) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: poll snapshots: %w", err)
	}
	defer rows.Close()

	var out []PollSnapshot
	for rows.Next() {
		var (
			p   PollSnapshot
			gid sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Key.FID, &gid, &p.Quantity, &p.Price, &p.Digest); err != nil {
			return nil, err
		}
		p.Key.GID = gid.String
		out = append(out, p)
	}
	return out, rows.Err()
}

const upsertConfigSQL = `
INSERT INTO catalog_configs (
  id, country_id, region_id, name, specs_json,
  price_amount, price_currency, price_period,
  inventory_status, inventory_quantity, checked_at,
  config_digest,
  lifecycle_state, lifecycle_listed_at, lifecycle_delisted_at, lifecycle_last_seen_at,
  source_pid, source_fid, source_gid
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'active', ?, NULL, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  country_id = excluded.country_id,
  region_id = excluded.region_id,
  name = excluded.name,
  specs_json = excluded.specs_json,
  price_amount = excluded.price_amount,
  price_currency = excluded.price_currency,
  price_period = excluded.price_period,
  inventory_status = excluded.inventory_status,
  inventory_quantity = excluded.inventory_quantity,
  checked_at = excluded.checked_at,
  config_digest = excluded.config_digest,
  lifecycle_state = 'active',
  lifecycle_delisted_at = NULL,
  lifecycle_last_seen_at = excluded.lifecycle_last_seen_at,
  lifecycle_listed_at = CASE
    WHEN catalog_configs.lifecycle_state = 'delisted' THEN excluded.lifecycle_listed_at
    WHEN catalog_configs.lifecycle_listed_at IS NULL OR catalog_configs.lifecycle_listed_at = '1970-01-01T00:00:00Z' THEN excluded.lifecycle_listed_at
    ELSE catalog_configs.lifecycle_listed_at
  END,
  source_pid = excluded.source_pid,
  source_fid = excluded.source_fid,
  source_gid = excluded.source_gid`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertConfig(ctx context.Context, x execer, c *catalog.Config, fetchedAt string) error {
	specsJSON, err := json.Marshal(c.Specs)
	if err != nil {
		return fmt.Errorf("store: marshal specs: %w", err)
	}
	if len(c.Specs) == 0 {
		specsJSON = []byte("[]")
	}
	_, err = x.ExecContext(ctx, upsertConfigSQL,
		c.ID, c.CountryID, nullStr(c.RegionID), c.Name, string(specsJSON),
		c.Price.Amount, c.Price.Currency, c.Price.Period,
		c.Inventory.Status, c.Inventory.Quantity, fetchedAt,
		c.Digest,
		fetchedAt, fetchedAt,
		nullStr(c.SourcePID), nullStr(c.SourceFID), nullStr(c.SourceGID),
	)
	if err != nil {
		return fmt.Errorf("store: upsert config %s: %w", c.ID, err)
	}

	// Minute history sample rides along with every upsert.
	_, err = x.ExecContext(ctx, `
INSERT INTO inventory_samples_1m (config_id, ts_minute, inventory_quantity)
VALUES (?, ?, ?)
ON CONFLICT(config_id, ts_minute) DO UPDATE SET
  inventory_quantity = excluded.inventory_quantity`,
		c.ID, floorMinuteStored(fetchedAt), max64(c.Inventory.Quantity, 0),
	)
	if err != nil {
		return fmt.Errorf("store: inventory sample %s: %w", c.ID, err)
	}
	return nil
}

// UpsertConfigs applies a full-crawl snapshot batch: every config is
// marked active with lifecycle timestamps advanced, without computing a
// delist diff (that is ApplyURLFetch's job, per source key).
func (s *Store) UpsertConfigs(ctx context.Context, configs []catalog.Config) error {
	if len(configs) == 0 {
		return nil
	}
	fetchedAt := NowTS()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	for i := range configs {
		if err := upsertConfig(ctx, tx, &configs[i], fetchedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func floorMinuteStored(ts string) string {
	t, err := ParseTS(ts)
	if err != nil {
		return ts
	}
	return FloorMinuteTS(t)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
