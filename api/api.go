// Package api is the HTTP boundary: a chi router over the store, the ops
// dispatcher, and the refresh manager. User identity comes from a trusted
// reverse-proxy header; there is no session handling here.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/catnap/notify"
	"github.com/hazyhaar/catnap/ops"
	"github.com/hazyhaar/catnap/refresh"
	"github.com/hazyhaar/catnap/store"
)

// Config wires the handler's collaborators.
type Config struct {
	Store   *store.Store
	Ops     *ops.Manager
	Refresh *refresh.Manager
	Logger  *slog.Logger

	Telegram *notify.Telegram
	Webhook  *notify.Webhook

	// UserHeader names the trusted header carrying the user id. Empty
	// rejects every user-scoped request.
	UserHeader string

	// Defaults for rows EnsureUser creates.
	DefaultPollIntervalMinutes int
	DefaultPollJitterPct       float64

	// CartURL is surfaced as the catalog source in bootstrap responses.
	CartURL string

	Version string
}

// Handler serves the catnap HTTP API.
type Handler struct {
	cfg Config
	st  *store.Store
	log *slog.Logger
}

func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{cfg: cfg, st: cfg.Store, log: cfg.Logger}
}

// Router builds the route tree. User-scoped routes sit behind the
// identity middleware.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Get("/healthz", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.requireUser)

		r.Get("/bootstrap", h.bootstrap)
		r.Get("/products", h.products)
		r.Post("/inventory/history", h.inventoryHistory)

		r.Post("/catalog/refresh", h.catalogRefresh)
		r.Get("/catalog/refresh/status", h.catalogRefreshStatus)
		r.Get("/catalog/refresh/events", h.catalogRefreshEvents)

		r.Get("/ops/snapshot", h.opsSnapshot)
		r.Get("/ops/stream", h.opsStream)
		r.Post("/ops/tasks", h.opsEnqueue)

		r.Get("/monitoring", h.monitoring)
		r.Patch("/monitoring/configs/{configID}", h.monitoringToggle)

		r.Get("/settings", h.getSettings)
		r.Put("/settings", h.putSettings)
		r.Get("/logs", h.logs)

		r.Post("/notifications/telegram/test", h.telegramTest)
		r.Post("/notifications/webhook/test", h.webhookTest)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.cfg.Version,
	})
}

type ctxKey int

const userIDKey ctxKey = 0

// requireUser resolves the caller from the trusted header and guarantees
// the user plus a settings row exist.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.UserHeader == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no identity header configured")
			return
		}
		userID := strings.TrimSpace(r.Header.Get(h.cfg.UserHeader))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing user identity")
			return
		}
		if _, err := h.st.EnsureUser(r.Context(), userID,
			h.cfg.DefaultPollIntervalMinutes, h.cfg.DefaultPollJitterPct); err != nil {
			h.log.Warn("api: ensure user failed", "userId", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

type errorBody struct {
	Error errorInfo `json:"error"`
}

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, errorBody{Error: errorInfo{Code: errCode, Message: message}})
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
