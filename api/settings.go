package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hazyhaar/catnap/store"
)

type pollSettingsView struct {
	IntervalMinutes int64   `json:"intervalMinutes"`
	JitterPct       float64 `json:"jitterPct"`
}

type catalogRefreshSettingsView struct {
	// Nil means the auto full refresh is off.
	AutoIntervalHours *int64 `json:"autoIntervalHours"`
}

type monitoringEventsSettingsView struct {
	ListedEnabled   bool `json:"listedEnabled"`
	DelistedEnabled bool `json:"delistedEnabled"`
}

type telegramSettingsView struct {
	Enabled     bool   `json:"enabled"`
	BotTokenSet bool   `json:"botTokenSet"`
	Target      string `json:"target,omitempty"`
}

type webhookSettingsView struct {
	Enabled   bool   `json:"enabled"`
	URL       string `json:"url,omitempty"`
	SecretSet bool   `json:"secretSet"`
}

// settingsView is the client-facing settings shape. Secrets never leave
// the server; only their presence does.
type settingsView struct {
	Poll             pollSettingsView             `json:"poll"`
	SiteBaseURL      string                       `json:"siteBaseUrl,omitempty"`
	CatalogRefresh   catalogRefreshSettingsView   `json:"catalogRefresh"`
	MonitoringEvents monitoringEventsSettingsView `json:"monitoringEvents"`
	Telegram         telegramSettingsView         `json:"telegram"`
	Webhook          webhookSettingsView          `json:"webhook"`
}

func settingsViewOf(s *store.Settings) settingsView {
	var autoHours *int64
	if s.AutoRefreshIntervalHours > 0 {
		v := s.AutoRefreshIntervalHours
		autoHours = &v
	}
	return settingsView{
		Poll: pollSettingsView{
			IntervalMinutes: s.PollIntervalMinutes,
			JitterPct:       s.PollJitterPct,
		},
		SiteBaseURL:      s.SiteBaseURL,
		CatalogRefresh:   catalogRefreshSettingsView{AutoIntervalHours: autoHours},
		MonitoringEvents: monitoringEventsSettingsView{
			ListedEnabled:   s.ListedEventsEnabled,
			DelistedEnabled: s.DelistedEventsEnabled,
		},
		Telegram: telegramSettingsView{
			Enabled:     s.TelegramEnabled,
			BotTokenSet: strings.TrimSpace(s.TelegramBotToken) != "",
			Target:      s.TelegramTarget,
		},
		Webhook: webhookSettingsView{
			Enabled:   s.WebhookEnabled,
			URL:       s.WebhookURL,
			SecretSet: strings.TrimSpace(s.WebhookSecret) != "",
		},
	}
}

type telegramSettingsUpdate struct {
	Enabled bool `json:"enabled"`
	// Empty strings keep the stored values.
	BotToken string `json:"botToken"`
	Target   string `json:"target"`
}

type webhookSettingsUpdate struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Secret  string `json:"secret"`
}

type settingsUpdateRequest struct {
	Poll             pollSettingsView              `json:"poll"`
	SiteBaseURL      *string                       `json:"siteBaseUrl"`
	CatalogRefresh   *catalogRefreshSettingsView   `json:"catalogRefresh"`
	MonitoringEvents *monitoringEventsSettingsView `json:"monitoringEvents"`
	Telegram         *telegramSettingsUpdate       `json:"telegram"`
	Webhook          *webhookSettingsUpdate        `json:"webhook"`
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.st.GetSettings(r.Context(), userID(r))
	if err != nil {
		h.internal(w, "api: get settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settingsViewOf(settings))
}

const maxAutoRefreshIntervalHours = 24 * 30

func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid body")
		return
	}
	if req.Poll.IntervalMinutes < 1 || req.Poll.JitterPct < 0 || req.Poll.JitterPct > 1 {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid poll settings")
		return
	}
	if req.CatalogRefresh != nil && req.CatalogRefresh.AutoIntervalHours != nil {
		hours := *req.CatalogRefresh.AutoIntervalHours
		if hours < 1 || hours > maxAutoRefreshIntervalHours {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT",
				"auto refresh interval must be 1..720 hours, or null to disable")
			return
		}
	}

	settings, err := h.st.GetSettings(r.Context(), userID(r))
	if err != nil {
		h.internal(w, "api: load settings", err)
		return
	}

	settings.PollIntervalMinutes = req.Poll.IntervalMinutes
	settings.PollJitterPct = req.Poll.JitterPct
	if req.SiteBaseURL != nil {
		settings.SiteBaseURL = strings.TrimSpace(*req.SiteBaseURL)
	}
	if req.CatalogRefresh != nil {
		if req.CatalogRefresh.AutoIntervalHours == nil {
			settings.AutoRefreshIntervalHours = 0
		} else {
			settings.AutoRefreshIntervalHours = *req.CatalogRefresh.AutoIntervalHours
		}
	}
	if req.MonitoringEvents != nil {
		settings.ListedEventsEnabled = req.MonitoringEvents.ListedEnabled
		settings.DelistedEventsEnabled = req.MonitoringEvents.DelistedEnabled
	}
	if req.Telegram != nil {
		settings.TelegramEnabled = req.Telegram.Enabled
		settings.TelegramBotToken = strings.TrimSpace(req.Telegram.BotToken)
		settings.TelegramTarget = strings.TrimSpace(req.Telegram.Target)
	}
	if req.Webhook != nil {
		settings.WebhookEnabled = req.Webhook.Enabled
		settings.WebhookURL = strings.TrimSpace(req.Webhook.URL)
		settings.WebhookSecret = strings.TrimSpace(req.Webhook.Secret)
	}

	updated, err := h.st.UpdateSettings(r.Context(), settings)
	if err != nil {
		h.internal(w, "api: update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settingsViewOf(updated))
}
