package store_test

import (
	"context"
	"testing"
)

func TestEnsureUser_Defaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.EnsureUser(ctx, "u1", 5, 0.2)
	if err != nil {
		t.Fatal(err)
	}
	if st.PollIntervalMinutes != 5 {
		t.Errorf("interval = %d, want 5", st.PollIntervalMinutes)
	}
	if st.PollJitterPct != 0.2 {
		t.Errorf("jitter = %v, want 0.2", st.PollJitterPct)
	}
	if st.AutoRefreshIntervalHours != 6 {
		t.Errorf("auto refresh hours = %d, want default 6", st.AutoRefreshIntervalHours)
	}
	if st.TelegramEnabled || st.WebhookEnabled {
		t.Error("notification channels should default to disabled")
	}

	// Second call is idempotent and does not reset stored values.
	st.PollIntervalMinutes = 9
	if _, err := s.UpdateSettings(ctx, st); err != nil {
		t.Fatal(err)
	}
	again, err := s.EnsureUser(ctx, "u1", 5, 0.2)
	if err != nil {
		t.Fatal(err)
	}
	if again.PollIntervalMinutes != 9 {
		t.Errorf("EnsureUser reset interval to %d", again.PollIntervalMinutes)
	}
}

func TestUpdateSettings_PreservesSecrets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.EnsureUser(ctx, "u1", 1, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	st.TelegramEnabled = true
	st.TelegramBotToken = "tok123"
	st.TelegramTarget = "chat42"
	st.WebhookEnabled = true
	st.WebhookURL = "https://hooks.example/x"
	st.WebhookSecret = "s3cret"
	if _, err := s.UpdateSettings(ctx, st); err != nil {
		t.Fatal(err)
	}

	// An update that omits token/target/secret keeps the stored ones.
	update := *st
	update.TelegramBotToken = ""
	update.TelegramTarget = ""
	update.WebhookSecret = ""
	got, err := s.UpdateSettings(ctx, &update)
	if err != nil {
		t.Fatal(err)
	}
	if got.TelegramBotToken != "tok123" || got.TelegramTarget != "chat42" {
		t.Errorf("telegram secrets lost: %q %q", got.TelegramBotToken, got.TelegramTarget)
	}
	if got.WebhookSecret != "s3cret" {
		t.Errorf("webhook secret lost: %q", got.WebhookSecret)
	}
	if !got.TelegramConfigured() {
		t.Error("TelegramConfigured should be true")
	}
}

func TestListNotifyTargets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, u := range []string{"u1", "u2", "u3"} {
		if _, err := s.EnsureUser(ctx, u, 1, 0.1); err != nil {
			t.Fatal(err)
		}
	}
	st, _ := s.GetSettings(ctx, "u2")
	st.ListedEventsEnabled = true
	if _, err := s.UpdateSettings(ctx, st); err != nil {
		t.Fatal(err)
	}
	st, _ = s.GetSettings(ctx, "u3")
	st.DelistedEventsEnabled = true
	if _, err := s.UpdateSettings(ctx, st); err != nil {
		t.Fatal(err)
	}

	listed, err := s.ListNotifyTargets(ctx, "listed")
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].UserID != "u2" {
		t.Fatalf("listed targets = %+v, want [u2]", listed)
	}
	delisted, err := s.ListNotifyTargets(ctx, "delisted")
	if err != nil {
		t.Fatal(err)
	}
	if len(delisted) != 1 || delisted[0].UserID != "u3" {
		t.Fatalf("delisted targets = %+v, want [u3]", delisted)
	}
	if _, err := s.ListNotifyTargets(ctx, "bogus"); err == nil {
		t.Fatal("expected error for unknown event")
	}
}

func TestMinAutoRefreshIntervalHours(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Defaults give every user 6h.
	if _, err := s.EnsureUser(ctx, "u1", 1, 0.1); err != nil {
		t.Fatal(err)
	}
	hours, err := s.MinAutoRefreshIntervalHours(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if hours != 6 {
		t.Fatalf("hours = %d, want 6", hours)
	}

	st, _ := s.GetSettings(ctx, "u1")
	st.AutoRefreshIntervalHours = 2
	if _, err := s.UpdateSettings(ctx, st); err != nil {
		t.Fatal(err)
	}
	hours, err = s.MinAutoRefreshIntervalHours(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if hours != 2 {
		t.Fatalf("hours = %d, want 2", hours)
	}
}

func TestSetMonitoringEnabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetMonitoringEnabled(ctx, "u1", "lc:7:40:100", true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMonitoringEnabled(ctx, "u1", "lc:7:40:101", true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMonitoringEnabled(ctx, "u1", "lc:7:40:101", false); err != nil {
		t.Fatal(err)
	}

	ids, err := s.ListEnabledMonitoringIDs(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "lc:7:40:100" {
		t.Fatalf("ids = %v, want [lc:7:40:100]", ids)
	}

	users, err := s.ListMonitoringUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0] != "u1" {
		t.Fatalf("users = %v, want [u1]", users)
	}
}
