package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hazyhaar/catnap/notify"
	"github.com/hazyhaar/catnap/store"
)

// notifyLifecycle fans a refresh diff out to every opted-in user. Unlike
// dispatcher runs, refresh jobs always notify: the user asked for the
// refresh or enabled the auto schedule.
func (m *Manager) notifyLifecycle(ctx context.Context, applied *store.ApplyResult) error {
	var targetsListed, targetsDelisted []*store.Settings
	var err error

	if len(applied.ListedIDs) > 0 {
		targetsListed, err = m.st.ListNotifyTargets(ctx, "listed")
		if err != nil {
			return err
		}
	}
	if len(applied.DelistedIDs) > 0 {
		targetsDelisted, err = m.st.ListNotifyTargets(ctx, "delisted")
		if err != nil {
			return err
		}
	}
	if len(targetsListed) == 0 && len(targetsDelisted) == 0 {
		return nil
	}

	listed, err := m.st.ListConfigSummaries(ctx, applied.ListedIDs)
	if err != nil {
		return err
	}
	delisted, err := m.st.ListConfigSummaries(ctx, applied.DelistedIDs)
	if err != nil {
		return err
	}

	m.deliver(ctx, "listed", targetsListed, listed)
	m.deliver(ctx, "delisted", targetsDelisted, delisted)
	return nil
}

func (m *Manager) deliver(ctx context.Context, event string, targets []*store.Settings, configs []store.ConfigSummary) {
	for _, target := range targets {
		site := strings.TrimRight(target.SiteBaseURL, "/")
		for _, c := range configs {
			msg := fmt.Sprintf("[%s] %s (%s) qty=%d price=%s %s/monitoring",
				event, c.Name, c.ID, c.Quantity,
				strconv.FormatFloat(c.PriceAmount, 'f', -1, 64), site)

			if err := m.st.InsertLog(ctx, target.UserID, "info", "catalog."+event, msg, ""); err != nil {
				m.log.Warn("refresh: lifecycle log failed", "error", err)
			}

			if target.TelegramEnabled && m.cfg.Telegram != nil && target.TelegramConfigured() {
				if err := m.cfg.Telegram.Send(ctx, target.TelegramBotToken, target.TelegramTarget, msg); err != nil {
					m.log.Warn("refresh: telegram send failed",
						"userId", target.UserID, "error", err)
					meta, _ := json.Marshal(map[string]string{"error": err.Error()})
					_ = m.st.InsertLog(ctx, target.UserID, "warn", "notify.telegram",
						"telegram send failed", string(meta))
				}
			}
			if target.WebhookEnabled && m.cfg.Webhook != nil && strings.TrimSpace(target.WebhookURL) != "" {
				err := m.cfg.Webhook.Send(ctx, target.WebhookURL, target.WebhookSecret, notify.WebhookPayload{
					Event: event,
					Title: "catnap",
					Body:  msg,
					URL:   "/monitoring",
					TS:    store.NowTS(),
				})
				if err != nil {
					m.log.Warn("refresh: webhook send failed",
						"userId", target.UserID, "error", err)
				}
			}
		}
	}
}
