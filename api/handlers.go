package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/catnap/catalog"
	"github.com/hazyhaar/catnap/notify"
	"github.com/hazyhaar/catnap/store"
)

type userView struct {
	ID string `json:"id"`
}

type sourceView struct {
	URL string `json:"url"`
}

type catalogView struct {
	Countries []catalog.Country  `json:"countries"`
	Regions   []catalog.Region   `json:"regions"`
	Configs   []*store.ConfigRow `json:"configs"`
	FetchedAt string             `json:"fetchedAt"`
	Source    sourceView         `json:"source"`
}

type monitoringPollView struct {
	IntervalSeconds int64   `json:"intervalSeconds"`
	JitterPct       float64 `json:"jitterPct"`
}

type monitoringView struct {
	EnabledConfigIDs []string           `json:"enabledConfigIds"`
	Poll             monitoringPollView `json:"poll"`
}

type bootstrapResponse struct {
	User       userView       `json:"user"`
	Catalog    catalogView    `json:"catalog"`
	Monitoring monitoringView `json:"monitoring"`
	Settings   settingsView   `json:"settings"`
}

func (h *Handler) bootstrap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := userID(r)

	settings, err := h.st.GetSettings(ctx, uid)
	if err != nil {
		h.internal(w, "api: bootstrap settings", err)
		return
	}
	enabled, err := h.st.ListEnabledMonitoringIDs(ctx, uid)
	if err != nil {
		h.internal(w, "api: bootstrap monitoring", err)
		return
	}
	configs, err := h.st.ListConfigs(ctx, uid, "", "")
	if err != nil {
		h.internal(w, "api: bootstrap configs", err)
		return
	}
	meta := h.cfg.Refresh.Catalog()

	writeJSON(w, http.StatusOK, bootstrapResponse{
		User: userView{ID: uid},
		Catalog: catalogView{
			Countries: meta.Countries,
			Regions:   meta.Regions,
			Configs:   configs,
			FetchedAt: meta.FetchedAt,
			Source:    sourceView{URL: h.cfg.CartURL},
		},
		Monitoring: monitoringView{
			EnabledConfigIDs: enabled,
			Poll: monitoringPollView{
				IntervalSeconds: settings.PollIntervalMinutes * 60,
				JitterPct:       settings.PollJitterPct,
			},
		},
		Settings: settingsViewOf(settings),
	})
}

type productsResponse struct {
	Configs   []*store.ConfigRow `json:"configs"`
	FetchedAt string             `json:"fetchedAt"`
}

func (h *Handler) products(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	configs, err := h.st.ListConfigs(r.Context(), userID(r),
		strings.TrimSpace(q.Get("countryId")), strings.TrimSpace(q.Get("regionId")))
	if err != nil {
		h.internal(w, "api: products", err)
		return
	}
	writeJSON(w, http.StatusOK, productsResponse{
		Configs:   configs,
		FetchedAt: h.cfg.Refresh.Catalog().FetchedAt,
	})
}

const maxHistoryConfigIDs = 200

type inventoryHistoryRequest struct {
	ConfigIDs []string `json:"configIds"`
}

type inventoryHistoryPoint struct {
	TSMinute string `json:"tsMinute"`
	Quantity int64  `json:"quantity"`
}

type inventoryHistorySeries struct {
	ConfigID string                  `json:"configId"`
	Points   []inventoryHistoryPoint `json:"points"`
}

type inventoryHistoryResponse struct {
	Window struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"window"`
	Series []inventoryHistorySeries `json:"series"`
}

func (h *Handler) inventoryHistory(w http.ResponseWriter, r *http.Request) {
	var req inventoryHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid body")
		return
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, id := range req.ConfigIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
		if len(ids) > maxHistoryConfigIDs {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "too many config ids")
			return
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "configIds required")
		return
	}

	now := time.Now().UTC()
	to := store.FloorMinuteTS(now)
	from := store.FloorMinuteTS(now.Add(-24 * time.Hour))

	samples, err := h.st.ListInventorySamples(r.Context(), ids, from, to)
	if err != nil {
		h.internal(w, "api: inventory history", err)
		return
	}

	byID := make(map[string][]inventoryHistoryPoint)
	for _, s := range samples {
		byID[s.ConfigID] = append(byID[s.ConfigID], inventoryHistoryPoint{
			TSMinute: s.TSMinute,
			Quantity: s.Quantity,
		})
	}

	resp := inventoryHistoryResponse{Series: make([]inventoryHistorySeries, 0, len(ids))}
	resp.Window.From = from
	resp.Window.To = to
	for _, id := range ids {
		resp.Series = append(resp.Series, inventoryHistorySeries{
			ConfigID: id,
			Points:   byID[id],
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type monitoringListResponse struct {
	Items           []*store.ConfigRow `json:"items"`
	FetchedAt       string             `json:"fetchedAt"`
	RecentListed24h []*store.ConfigRow `json:"recentListed24h"`
}

func (h *Handler) monitoring(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := userID(r)

	items, err := h.st.ListMonitored(ctx, uid)
	if err != nil {
		h.internal(w, "api: monitoring list", err)
		return
	}
	cutoff := store.FormatTS(time.Now().UTC().Add(-24 * time.Hour))
	recent, err := h.st.ListRecentlyListed(ctx, uid, cutoff)
	if err != nil {
		h.internal(w, "api: recently listed", err)
		return
	}
	writeJSON(w, http.StatusOK, monitoringListResponse{
		Items:           items,
		FetchedAt:       h.cfg.Refresh.Catalog().FetchedAt,
		RecentListed24h: recent,
	})
}

type monitoringToggleRequest struct {
	Enabled bool `json:"enabled"`
}

type monitoringToggleResponse struct {
	ConfigID string `json:"configId"`
	Enabled  bool   `json:"enabled"`
}

func (h *Handler) monitoringToggle(w http.ResponseWriter, r *http.Request) {
	configID := chi.URLParam(r, "configID")
	var req monitoringToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid body")
		return
	}

	rows, err := h.st.ListPollSnapshots(r.Context(), []string{configID})
	if err != nil {
		h.internal(w, "api: monitoring toggle lookup", err)
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown config id")
		return
	}
	if strings.TrimSpace(rows[0].Key.FID) == "2" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "monitoring not supported for this config")
		return
	}

	if err := h.st.SetMonitoringEnabled(r.Context(), userID(r), configID, req.Enabled); err != nil {
		h.internal(w, "api: monitoring toggle", err)
		return
	}
	writeJSON(w, http.StatusOK, monitoringToggleResponse{ConfigID: configID, Enabled: req.Enabled})
}

type logsResponse struct {
	Items      []store.LogEntry `json:"items"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

func (h *Handler) logs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(r, "limit", 50)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid limit")
		return
	}
	if limit < 1 {
		limit = 1
	} else if limit > 200 {
		limit = 200
	}

	items, next, err := h.st.ListLogs(r.Context(), userID(r),
		strings.TrimSpace(q.Get("level")), strings.TrimSpace(q.Get("cursor")), limit)
	if err != nil {
		h.internal(w, "api: logs", err)
		return
	}
	if items == nil {
		items = []store.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logsResponse{Items: items, NextCursor: next})
}

type telegramTestRequest struct {
	BotToken string `json:"botToken"`
	Target   string `json:"target"`
	Text     string `json:"text"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (h *Handler) telegramTest(w http.ResponseWriter, r *http.Request) {
	var req telegramTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid body")
		return
	}

	token := strings.TrimSpace(req.BotToken)
	target := strings.TrimSpace(req.Target)
	if token == "" || target == "" {
		settings, err := h.st.GetSettings(r.Context(), userID(r))
		if err != nil {
			h.internal(w, "api: telegram test settings", err)
			return
		}
		if token == "" {
			token = settings.TelegramBotToken
		}
		if target == "" {
			target = settings.TelegramTarget
		}
	}
	if token == "" || target == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "telegram bot token and target required")
		return
	}

	text := req.Text
	if strings.TrimSpace(text) == "" {
		text = "catnap test notification"
	}
	if err := h.cfg.Telegram.Send(r.Context(), token, target, text); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) webhookTest(w http.ResponseWriter, r *http.Request) {
	settings, err := h.st.GetSettings(r.Context(), userID(r))
	if err != nil {
		h.internal(w, "api: webhook test settings", err)
		return
	}
	if strings.TrimSpace(settings.WebhookURL) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "webhook url not configured")
		return
	}

	payload := notify.WebhookPayload{
		Event: "test",
		Title: "catnap",
		Body:  "catnap test notification",
		URL:   "/monitoring",
		TS:    store.NowTS(),
	}
	if err := h.cfg.Webhook.Send(r.Context(), settings.WebhookURL, settings.WebhookSecret, payload); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) internal(w http.ResponseWriter, msg string, err error) {
	h.log.Warn(msg, "error", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}
