package store

const schema = `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS catalog_configs (
  id TEXT PRIMARY KEY,
  country_id TEXT NOT NULL,
  region_id TEXT NULL,
  name TEXT NOT NULL,
  specs_json TEXT NOT NULL,
  price_amount REAL NOT NULL,
  price_currency TEXT NOT NULL,
  price_period TEXT NOT NULL,
  inventory_status TEXT NOT NULL,
  inventory_quantity INTEGER NOT NULL,
  checked_at TEXT NOT NULL,
  config_digest TEXT NOT NULL,
  lifecycle_state TEXT NOT NULL DEFAULT 'active',
  lifecycle_listed_at TEXT NOT NULL DEFAULT '1970-01-01T00:00:00Z',
  lifecycle_delisted_at TEXT NULL,
  lifecycle_last_seen_at TEXT NOT NULL DEFAULT '1970-01-01T00:00:00Z',
  source_pid TEXT NULL,
  source_fid TEXT NULL,
  source_gid TEXT NULL
);

CREATE TABLE IF NOT EXISTS catalog_url_cache (
  url_key TEXT PRIMARY KEY,
  url TEXT NOT NULL,
  config_ids_json TEXT NOT NULL,
  last_success_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS inventory_samples_1m (
  config_id TEXT NOT NULL,
  ts_minute TEXT NOT NULL,
  inventory_quantity INTEGER NOT NULL,
  PRIMARY KEY (config_id, ts_minute)
);

CREATE TABLE IF NOT EXISTS monitoring_configs (
  user_id TEXT NOT NULL,
  config_id TEXT NOT NULL,
  enabled INTEGER NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (user_id, config_id)
);

CREATE TABLE IF NOT EXISTS settings (
  user_id TEXT PRIMARY KEY,
  poll_interval_minutes INTEGER NOT NULL,
  poll_jitter_pct REAL NOT NULL,
  site_base_url TEXT NULL,
  catalog_refresh_auto_interval_hours INTEGER NULL,
  monitoring_events_listed_enabled INTEGER NOT NULL DEFAULT 0,
  monitoring_events_delisted_enabled INTEGER NOT NULL DEFAULT 0,
  telegram_enabled INTEGER NOT NULL,
  telegram_bot_token TEXT NULL,
  telegram_target TEXT NULL,
  webhook_enabled INTEGER NOT NULL DEFAULT 0,
  webhook_url TEXT NULL,
  webhook_secret TEXT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS event_logs (
  id TEXT PRIMARY KEY,
  user_id TEXT NULL,
  ts TEXT NOT NULL,
  level TEXT NOT NULL,
  scope TEXT NOT NULL,
  message TEXT NOT NULL,
  meta_json TEXT NULL
);

CREATE TABLE IF NOT EXISTS ops_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts TEXT NOT NULL,
  event TEXT NOT NULL,
  data_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ops_task_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  fid TEXT NOT NULL,
  gid TEXT NULL,
  started_at TEXT NOT NULL,
  ended_at TEXT NULL,
  ok INTEGER NOT NULL,
  fetch_http_status INTEGER NULL,
  fetch_bytes INTEGER NULL,
  fetch_elapsed_ms INTEGER NULL,
  parse_produced_configs INTEGER NULL,
  parse_elapsed_ms INTEGER NULL,
  error_code TEXT NULL,
  error_message TEXT NULL
);

CREATE TABLE IF NOT EXISTS ops_notify_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_run_id INTEGER NOT NULL,
  ts TEXT NOT NULL,
  channel TEXT NOT NULL,
  result TEXT NOT NULL,
  error_message TEXT NULL
);

CREATE INDEX IF NOT EXISTS idx_event_logs_user_ts ON event_logs (user_id, ts DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_event_logs_ts ON event_logs (ts DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_inventory_samples_1m_ts ON inventory_samples_1m (ts_minute);
CREATE INDEX IF NOT EXISTS idx_catalog_url_cache_last_success_at ON catalog_url_cache (last_success_at DESC, url_key);

CREATE INDEX IF NOT EXISTS idx_ops_events_ts ON ops_events (ts DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_ops_task_runs_ended_at ON ops_task_runs (ended_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_ops_task_runs_key ON ops_task_runs (fid, gid, ended_at DESC);
CREATE INDEX IF NOT EXISTS idx_ops_notify_runs_task_run_id ON ops_notify_runs (task_run_id);
CREATE INDEX IF NOT EXISTS idx_ops_notify_runs_channel_ts ON ops_notify_runs (channel, ts DESC);
`
