package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BindAddr != "0.0.0.0:18080" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Upstream.CartURL != "https://lazycats.vip/cart" {
		t.Errorf("CartURL = %q", cfg.Upstream.CartURL)
	}
	if cfg.Ops.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Ops.Workers)
	}
	if cfg.Ops.ManualCooldown != 30 {
		t.Errorf("ManualCooldown = %d, want 30", cfg.Ops.ManualCooldown)
	}
	if cfg.Poll.IntervalMinutes != 1 {
		t.Errorf("IntervalMinutes = %d, want 1", cfg.Poll.IntervalMinutes)
	}
	if cfg.Poll.JitterPct != 0.1 {
		t.Errorf("JitterPct = %v, want 0.1", cfg.Poll.JitterPct)
	}
	if cfg.Logs.MaxRows != 10_000 {
		t.Errorf("MaxRows = %d, want 10000", cfg.Logs.MaxRows)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catnap.yaml")
	data := []byte(`
bind_addr: "127.0.0.1:9000"
ops:
  workers: 4
poll:
  interval_minutes: 5
  jitter_pct: 0.25
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BindAddr != "127.0.0.1:9000" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Ops.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Ops.Workers)
	}
	if cfg.Poll.IntervalMinutes != 5 {
		t.Errorf("IntervalMinutes = %d, want 5", cfg.Poll.IntervalMinutes)
	}
	if cfg.Poll.JitterPct != 0.25 {
		t.Errorf("JitterPct = %v, want 0.25", cfg.Poll.JitterPct)
	}
	// Unset fields still get defaults.
	if cfg.DBPath != "catnap.db" {
		t.Errorf("DBPath = %q, want catnap.db", cfg.DBPath)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CATNAP_BIND_ADDR", "10.0.0.1:8081")
	t.Setenv("CATNAP_OPS_WORKERS", "8")
	t.Setenv("CATNAP_DEFAULT_POLL_JITTER_PCT", "0.5")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BindAddr != "10.0.0.1:8081" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Ops.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Ops.Workers)
	}
	if cfg.Poll.JitterPct != 0.5 {
		t.Errorf("JitterPct = %v, want 0.5", cfg.Poll.JitterPct)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/catnap.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("CATNAP_DEFAULT_POLL_JITTER_PCT", "2.0")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Poll.JitterPct != 0.1 {
		t.Errorf("out-of-range jitter should fall back to 0.1, got %v", cfg.Poll.JitterPct)
	}
}
