package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Settings is one user's settings row. Optional string columns use ""
// for NULL; AutoRefreshIntervalHours uses 0 for "disabled".
type Settings struct {
	UserID string

	PollIntervalMinutes int64
	PollJitterPct       float64
	SiteBaseURL         string

	AutoRefreshIntervalHours int64
	ListedEventsEnabled      bool
	DelistedEventsEnabled    bool

	TelegramEnabled  bool
	TelegramBotToken string
	TelegramTarget   string

	WebhookEnabled bool
	WebhookURL     string
	WebhookSecret  string

	CreatedAt string
	UpdatedAt string
}

// TelegramConfigured reports whether both token and target are set.
func (s Settings) TelegramConfigured() bool {
	return strings.TrimSpace(s.TelegramBotToken) != "" && strings.TrimSpace(s.TelegramTarget) != ""
}

// EnsureUser creates the user and a default settings row if absent, then
// returns the settings.
func (s *Store) EnsureUser(ctx context.Context, userID string, defaultIntervalMinutes int, defaultJitterPct float64) (*Settings, error) {
	now := NowTS()
	if _, err := s.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, created_at) VALUES (?, ?)`, userID, now,
	); err != nil {
		return nil, fmt.Errorf("store: ensure user: %w", err)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT OR IGNORE INTO settings (
  user_id, poll_interval_minutes, poll_jitter_pct, site_base_url,
  catalog_refresh_auto_interval_hours,
  monitoring_events_listed_enabled, monitoring_events_delisted_enabled,
  telegram_enabled, telegram_bot_token, telegram_target,
  webhook_enabled, webhook_url, webhook_secret,
  created_at, updated_at
) VALUES (?, ?, ?, NULL, 6, 0, 0, 0, NULL, NULL, 0, NULL, NULL, ?, ?)`,
		userID, defaultIntervalMinutes, defaultJitterPct, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("store: ensure settings: %w", err)
	}
	return s.GetSettings(ctx, userID)
}

const settingsColumns = `
  user_id, poll_interval_minutes, poll_jitter_pct, site_base_url,
  catalog_refresh_auto_interval_hours,
  monitoring_events_listed_enabled, monitoring_events_delisted_enabled,
  telegram_enabled, telegram_bot_token, telegram_target,
  webhook_enabled, webhook_url, webhook_secret,
  created_at, updated_at`

func scanSettings(r rowScanner) (*Settings, error) {
	var (
		st                                 Settings
		siteBaseURL, botToken, target      sql.NullString
		webhookURL, webhookSecret          sql.NullString
		autoHours                          sql.NullInt64
		listed, delisted, tgOn, webhookOn  int64
	)
	err := r.Scan(
		&st.UserID, &st.PollIntervalMinutes, &st.PollJitterPct, &siteBaseURL,
		&autoHours,
		&listed, &delisted,
		&tgOn, &botToken, &target,
		&webhookOn, &webhookURL, &webhookSecret,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.SiteBaseURL = siteBaseURL.String
	st.AutoRefreshIntervalHours = autoHours.Int64
	st.ListedEventsEnabled = listed != 0
	st.DelistedEventsEnabled = delisted != 0
	st.TelegramEnabled = tgOn != 0
	st.TelegramBotToken = botToken.String
	st.TelegramTarget = target.String
	st.WebhookEnabled = webhookOn != 0
	st.WebhookURL = webhookURL.String
	st.WebhookSecret = webhookSecret.String
	return &st, nil
}

// GetSettings loads one user's settings row.
func (s *Store) GetSettings(ctx context.Context, userID string) (*Settings, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT`+settingsColumns+` FROM settings WHERE user_id = ?`, userID)
	st, err := scanSettings(row)
	if err != nil {
		return nil, fmt.Errorf("store: get settings %s: %w", userID, err)
	}
	return st, nil
}

// UpdateSettings replaces the mutable fields of a user's settings row.
// Empty token/target/secret keep the stored values so the client never has
// to echo secrets back.
func (s *Store) UpdateSettings(ctx context.Context, st *Settings) (*Settings, error) {
	existing, err := s.GetSettings(ctx, st.UserID)
	if err != nil {
		return nil, err
	}
	botToken := strings.TrimSpace(st.TelegramBotToken)
	if botToken == "" {
		botToken = existing.TelegramBotToken
	}
	target := strings.TrimSpace(st.TelegramTarget)
	if target == "" {
		target = existing.TelegramTarget
	}
	secret := strings.TrimSpace(st.WebhookSecret)
	if secret == "" {
		secret = existing.WebhookSecret
	}

	_, err = s.DB.ExecContext(ctx, `
UPDATE settings SET
  poll_interval_minutes = ?,
  poll_jitter_pct = ?,
  site_base_url = ?,
  catalog_refresh_auto_interval_hours = ?,
  monitoring_events_listed_enabled = ?,
  monitoring_events_delisted_enabled = ?,
  telegram_enabled = ?,
  telegram_bot_token = ?,
  telegram_target = ?,
  webhook_enabled = ?,
  webhook_url = ?,
  webhook_secret = ?,
  updated_at = ?
WHERE user_id = ?`,
		st.PollIntervalMinutes, st.PollJitterPct,
		nullStr(strings.TrimSpace(st.SiteBaseURL)),
		nullInt(st.AutoRefreshIntervalHours),
		boolInt(st.ListedEventsEnabled), boolInt(st.DelistedEventsEnabled),
		boolInt(st.TelegramEnabled), nullStr(botToken), nullStr(target),
		boolInt(st.WebhookEnabled), nullStr(strings.TrimSpace(st.WebhookURL)), nullStr(secret),
		NowTS(), st.UserID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: update settings %s: %w", st.UserID, err)
	}
	return s.GetSettings(ctx, st.UserID)
}

// ListNotifyTargets returns the settings rows of users who opted into
// listed or delisted lifecycle notifications.
func (s *Store) ListNotifyTargets(ctx context.Context, event string) ([]*Settings, error) {
	var col string
	switch event {
	case "listed":
		col = "monitoring_events_listed_enabled"
	case "delisted":
		col = "monitoring_events_delisted_enabled"
	default:
		return nil, fmt.Errorf("store: unknown notify event %q", event)
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT`+settingsColumns+` FROM settings WHERE `+col+` = 1`)
	if err != nil {
		return nil, fmt.Errorf("store: notify targets: %w", err)
	}
	defer rows.Close()

	var out []*Settings
	for rows.Next() {
		st, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// MinAutoRefreshIntervalHours returns the smallest positive auto-refresh
// interval configured by any user, or 0 when nobody enabled it.
func (s *Store) MinAutoRefreshIntervalHours(ctx context.Context) (int64, error) {
	var hours sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
SELECT MIN(catalog_refresh_auto_interval_hours)
FROM settings
WHERE catalog_refresh_auto_interval_hours IS NOT NULL
  AND catalog_refresh_auto_interval_hours > 0`,
	).Scan(&hours)
	if err != nil {
		return 0, fmt.Errorf("store: min auto refresh interval: %w", err)
	}
	return hours.Int64, nil
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
