package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/catnap/catalog"
	"github.com/hazyhaar/catnap/ops"
	"github.com/hazyhaar/catnap/refresh"
	"github.com/hazyhaar/catnap/store"
)

const (
	keepAliveInterval = 15 * time.Second
	metricsInterval   = 5 * time.Second
)

func (h *Handler) opsSnapshot(w http.ResponseWriter, r *http.Request) {
	rng, ok := parseRangeParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid range")
		return
	}
	logLimit, ok1 := queryInt(r, "logLimit", 0)
	taskLimit, ok2 := queryInt(r, "taskLimit", 0)
	if !ok1 || !ok2 ||
		(logLimit != 0 && (logLimit < 1 || logLimit > 500)) ||
		(taskLimit != 0 && (taskLimit < 1 || taskLimit > 500)) {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid limit")
		return
	}

	snap, err := h.cfg.Ops.SnapshotState(r.Context(), rng, logLimit, taskLimit)
	if err != nil {
		h.internal(w, "api: ops snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type enqueueRequest struct {
	FID string `json:"fid"`
	GID string `json:"gid"`
}

type enqueueResponse struct {
	RunID int64 `json:"runId"`
	OK    bool  `json:"ok"`
}

// opsEnqueue joins or starts the fetch task for one source page and
// blocks until the shared run completes.
func (h *Handler) opsEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid body")
		return
	}
	key := catalog.SourceKey{FID: strings.TrimSpace(req.FID), GID: strings.TrimSpace(req.GID)}
	if key.FID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "fid required")
		return
	}

	out, err := h.cfg.Ops.EnqueueAndWait(r.Context(), key, "manual_refresh")
	if err != nil {
		if errors.Is(err, r.Context().Err()) {
			return
		}
		h.internal(w, "api: enqueue", err)
		return
	}
	writeJSON(w, http.StatusOK, enqueueResponse{RunID: out.RunID, OK: out.OK})
}

func (h *Handler) catalogRefresh(w http.ResponseWriter, r *http.Request) {
	st, err := h.cfg.Refresh.Trigger(refresh.TriggerManual, userID(r))
	if err != nil {
		if errors.Is(err, refresh.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "refresh triggered too recently, try again later")
			return
		}
		h.internal(w, "api: refresh trigger", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) catalogRefreshStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.Refresh.Status())
}

// catalogRefreshEvents streams refresh job status over SSE: the current
// status immediately, then every change.
func (h *Handler) catalogRefreshEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := sseSetup(w)
	if !ok {
		return
	}

	writeSSEJSON(w, "", "catalog.refresh", h.cfg.Refresh.Status())
	flusher.Flush()

	subID, updates := h.cfg.Refresh.Subscribe()
	defer h.cfg.Refresh.Unsubscribe(subID)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case st, open := <-updates:
			if !open {
				return
			}
			writeSSEJSON(w, "", "catalog.refresh", st)
			flusher.Flush()
		case <-keepAlive.C:
			writeSSEComment(w)
			flusher.Flush()
		}
	}
}

// opsStream is the live ops event feed with Last-Event-ID resume. Replay
// only reaches back over the retention window; older or unparseable
// cursors get an ops.reset so the client knows to resnapshot.
func (h *Handler) opsStream(w http.ResponseWriter, r *http.Request) {
	rng, ok := parseRangeParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid range")
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	replayWindow := h.cfg.Ops.ReplayWindowSeconds()
	cutoff := store.FormatTS(now.Add(-time.Duration(replayWindow) * time.Second))

	cursor, err := h.cfg.Ops.Cursor(ctx)
	if err != nil {
		h.internal(w, "api: ops cursor", err)
		return
	}

	// Resolve the resume position before committing to the stream.
	var (
		resetReason  string
		resetDetails string
		replay       []store.OpsEvent
	)
	if raw := strings.TrimSpace(r.Header.Get("Last-Event-ID")); raw != "" {
		lastID, err := strconv.ParseInt(raw, 10, 64)
		switch {
		case err != nil || lastID <= 0:
			resetReason = "invalid_last_event_id"
			resetDetails = fmt.Sprintf("last_event_id=%s", raw)
		default:
			minID, ok, err := h.cfg.Ops.MinReplayIDSince(ctx, cutoff)
			if err == nil && ok && lastID >= minID {
				replay, err = h.cfg.Ops.ReplaySince(ctx, lastID, cutoff)
				if err != nil {
					h.internal(w, "api: ops replay", err)
					return
				}
			} else {
				resetReason = "stale_last_event_id"
				resetDetails = fmt.Sprintf("last_event_id=%d cutoff=%s", lastID, cutoff)
			}
		}
	}

	flusher, ok := sseSetup(w)
	if !ok {
		return
	}

	serverTime := store.FormatTS(now)
	cursorID := strconv.FormatInt(cursor, 10)

	writeSSEJSON(w, cursorID, "ops.hello", map[string]any{
		"serverTime":          serverTime,
		"range":               string(rng),
		"replayWindowSeconds": replayWindow,
	})
	h.writeMetricsEvent(ctx, w, rng, cursorID, now)
	if resetReason != "" {
		writeSSEJSON(w, cursorID, "ops.reset", map[string]any{
			"serverTime": serverTime,
			"reason":     resetReason,
			"details":    resetDetails,
		})
	}
	for _, ev := range replay {
		writeSSE(w, strconv.FormatInt(ev.ID, 10), ev.Event, ev.DataJSON)
	}
	flusher.Flush()

	subID, events := h.cfg.Ops.Subscribe()
	defer h.cfg.Ops.Unsubscribe(subID)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	metrics := time.NewTicker(metricsInterval)
	defer metrics.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			// A closed channel means this subscriber overflowed; end
			// the stream and let the client resume by Last-Event-ID.
			if !open {
				return
			}
			writeSSE(w, strconv.FormatInt(ev.ID, 10), ev.Event, ev.DataJSON)
			flusher.Flush()
		case <-metrics.C:
			now := time.Now().UTC()
			id, err := h.cfg.Ops.Cursor(ctx)
			if err != nil {
				continue
			}
			h.writeMetricsEvent(ctx, w, rng, strconv.FormatInt(id, 10), now)
			flusher.Flush()
		case <-keepAlive.C:
			writeSSEComment(w)
			flusher.Flush()
		}
	}
}

func (h *Handler) writeMetricsEvent(ctx context.Context, w http.ResponseWriter, rng ops.Range, id string, now time.Time) {
	stats, err := h.cfg.Ops.Stats(ctx, rng, now)
	if err != nil {
		return
	}
	writeSSEJSON(w, id, "ops.metrics", map[string]any{
		"serverTime": store.FormatTS(now),
		"range":      string(rng),
		"stats":      stats,
	})
}

func parseRangeParam(r *http.Request) (ops.Range, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("range"))
	if raw == "" {
		return ops.Range24h, true
	}
	return ops.ParseRange(raw)
}

func sseSetup(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return flusher, true
}

func writeSSE(w http.ResponseWriter, id, event, data string) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeSSEJSON(w http.ResponseWriter, id, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte("{}")
	}
	writeSSE(w, id, event, string(data))
}

func writeSSEComment(w http.ResponseWriter) {
	fmt.Fprint(w, ": keep-alive\n\n")
}
