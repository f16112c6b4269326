package ops

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hazyhaar/catnap/catalog"
	"github.com/hazyhaar/catnap/notify"
	"github.com/hazyhaar/catnap/store"
)

// notifyLifecycle fans the listed/delisted diff of one run out to every
// user who opted into that event class. Each (target, config) pair gets
// one message per enabled channel; delivery outcomes are recorded as
// notify runs so they feed the success-rate stats.
func (m *Manager) notifyLifecycle(ctx context.Context, runID int64, key catalog.SourceKey, applied *store.ApplyResult) error {
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

	m.deliverLifecycle(ctx, runID, key, "listed", targetsListed, listed)
	m.deliverLifecycle(ctx, runID, key, "delisted", targetsDelisted, delisted)
	return nil
}

func (m *Manager) deliverLifecycle(ctx context.Context, runID int64, key catalog.SourceKey, event string, targets []*store.Settings, configs []store.ConfigSummary) {
	for _, target := range targets {
		site := strings.TrimRight(target.SiteBaseURL, "/")
		for _, c := range configs {
			msg := fmt.Sprintf("[%s] %s (%s) qty=%d price=%s %s/monitoring",
				event, c.Name, c.ID, c.Quantity,
				strconv.FormatFloat(c.PriceAmount, 'f', -1, 64), site)

			scope := "catalog." + event
			if err := m.st.InsertLog(ctx, target.UserID, "info", scope, msg,
				string(metaJSON(map[string]any{"fid": key.FID, "gid": key.GID}))); err != nil {
				m.log.Warn("ops: lifecycle user log failed", "error", err)
			}
			m.Log(ctx, "info", scope, msg,
				metaJSON(map[string]any{"runId": runID, "userId": target.UserID}))

			if target.TelegramEnabled {
				m.sendTelegram(ctx, runID, target, msg)
			}
			if target.WebhookEnabled {
				m.sendWebhook(ctx, runID, target, event, msg)
			}
		}
	}
}

func (m *Manager) sendTelegram(ctx context.Context, runID int64, target *store.Settings, msg string) {
	if m.cfg.Telegram == nil || !target.TelegramConfigured() {
		m.RecordNotify(ctx, runID, "telegram", "skipped", "missing telegram config")
		return
	}
	err := m.cfg.Telegram.Send(ctx, target.TelegramBotToken, target.TelegramTarget, msg)
	if err != nil {
		m.RecordNotify(ctx, runID, "telegram", "error", err.Error())
		if logErr := m.st.InsertLog(ctx, target.UserID, "warn", "notify.telegram",
			"telegram send failed",
			string(metaJSON(map[string]any{"error": err.Error()}))); logErr != nil {
			m.log.Warn("ops: telegram failure log failed", "error", logErr)
		}
		return
	}
	m.RecordNotify(ctx, runID, "telegram", "success", "")
}

func (m *Manager) sendWebhook(ctx context.Context, runID int64, target *store.Settings, event, msg string) {
	if m.cfg.Webhook == nil || strings.TrimSpace(target.WebhookURL) == "" {
		m.RecordNotify(ctx, runID, "webhook", "skipped", "missing webhook url")
		return
	}
	err := m.cfg.Webhook.Send(ctx, target.WebhookURL, target.WebhookSecret, notify.WebhookPayload{
		Event: event,
		Title: "catnap",
		Body:  msg,
		URL:   "/monitoring",
		TS:    store.NowTS(),
	})
	if err != nil {
		m.RecordNotify(ctx, runID, "webhook", "error", err.Error())
		return
	}
	m.RecordNotify(ctx, runID, "webhook", "success", "")
}
