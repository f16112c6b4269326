// Package ops runs the task dispatcher behind every catalog fetch: a
// fixed worker pool fed by a dedup queue, a durable ordered event log for
// the dashboard's live stream, and the run/notify statistics the
// dashboard charts.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hazyhaar/catnap/catalog"
	"github.com/hazyhaar/catnap/notify"
	"github.com/hazyhaar/catnap/store"
	"github.com/hazyhaar/catnap/upstream"
)

// Fetcher fetches one source page with instrumentation. *upstream.Client
// satisfies it.
type Fetcher interface {
	FetchDetailed(ctx context.Context, key catalog.SourceKey) (*upstream.RegionFetch, error)
}

// Config configures a Manager. Zero fields fall back to defaults().
type Config struct {
	Store   *store.Store
	Fetcher Fetcher
	Logger  *slog.Logger

	// Workers is the number of concurrent fetch workers.
	Workers int
	// ReplayWindowSeconds bounds SSE catch-up after a reconnect.
	ReplayWindowSeconds int64
	// LogTailLimit and TaskLimit are snapshot defaults, clamped to 1..500
	// per request.
	LogTailLimit int
	TaskLimit    int

	// Telegram and Webhook deliver lifecycle notifications. Either may be
	// nil, in which case that channel records a skip.
	Telegram *notify.Telegram
	Webhook  *notify.Webhook
}

func (c *Config) defaults() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.ReplayWindowSeconds <= 0 {
		c.ReplayWindowSeconds = 900
	}
	if c.LogTailLimit <= 0 {
		c.LogTailLimit = 100
	}
	if c.TaskLimit <= 0 {
		c.TaskLimit = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RunOutcome is what every joiner of a task receives when its run ends.
type RunOutcome struct {
	RunID int64 `json:"runId"`
	OK    bool  `json:"ok"`
}

type taskEntry struct {
	running      bool
	runID        int64
	startedAt    string
	enqueuedAt   string
	reasonCounts map[string]int64
	joiners      []chan RunOutcome
}

type workerRuntime struct {
	id        string
	state     string // idle | running | error
	task      *catalog.SourceKey
	startedAt string
	lastErr   *WorkerErrorView
}

// Manager owns the dispatcher state and the event log publish path.
type Manager struct {
	cfg Config
	st  *store.Store
	log *slog.Logger

	// pubMu serializes event inserts with their broadcast so subscriber
	// delivery order matches persisted ids.
	pubMu sync.Mutex

	subMu   sync.Mutex
	subs    map[uint64]chan store.OpsEvent
	nextSub uint64

	mu      sync.Mutex
	deduped int64
	pending []catalog.SourceKey
	tasks   map[catalog.SourceKey]*taskEntry
	workers []workerRuntime
	wake    chan struct{}
}

// subscriberBuffer is each SSE subscriber's send buffer. A subscriber
// that falls this far behind is disconnected and must resume via replay.
const subscriberBuffer = 512

func New(cfg Config) *Manager {
	cfg.defaults()
	workers := make([]workerRuntime, cfg.Workers)
	for i := range workers {
		workers[i] = workerRuntime{id: fmt.Sprintf("w%d", i+1), state: "idle"}
	}
	return &Manager{
		cfg:     cfg,
		st:      cfg.Store,
		log:     cfg.Logger,
		subs:    make(map[uint64]chan store.OpsEvent),
		tasks:   make(map[catalog.SourceKey]*taskEntry),
		workers: workers,
		wake:    make(chan struct{}, 1),
	}
}

// ReplayWindowSeconds exposes the configured SSE replay window.
func (m *Manager) ReplayWindowSeconds() int64 { return m.cfg.ReplayWindowSeconds }

// Start launches the worker pool. Workers exit when ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.cfg.Workers; i++ {
		go m.workerLoop(ctx, i)
	}
}

// Subscribe registers a live event listener. The returned channel closes
// when the subscriber overflows or Unsubscribe is called.
func (m *Manager) Subscribe() (uint64, <-chan store.OpsEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSub++
	id := m.nextSub
	ch := make(chan store.OpsEvent, subscriberBuffer)
	m.subs[id] = ch
	return id, ch
}

func (m *Manager) Unsubscribe(id uint64) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if ch, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(ch)
	}
}

// Cursor returns the current event log high-water mark.
func (m *Manager) Cursor(ctx context.Context) (int64, error) {
	return m.st.OpsEventCursor(ctx)
}

// MinReplayIDSince returns the earliest replayable event id inside the
// window, or ok=false when the window holds no events.
func (m *Manager) MinReplayIDSince(ctx context.Context, cutoffTS string) (int64, bool, error) {
	return m.st.MinOpsEventIDSince(ctx, cutoffTS)
}

// ReplaySince returns stored events after afterID within the window,
// ascending and gap-free, capped at one replay batch.
func (m *Manager) ReplaySince(ctx context.Context, afterID int64, cutoffTS string) ([]store.OpsEvent, error) {
	return m.st.OpsEventsAfter(ctx, afterID, cutoffTS)
}

// EnqueueAndWait submits a fetch task for one source and blocks until the
// run covering it ends. Concurrent submissions for the same key join the
// same run and all receive its outcome.
func (m *Manager) EnqueueAndWait(ctx context.Context, key catalog.SourceKey, reason string) (RunOutcome, error) {
	ch, err := m.enqueue(ctx, key, reason)
	if err != nil {
		return RunOutcome{}, err
	}
	select {
	case <-ctx.Done():
		return RunOutcome{}, ctx.Err()
	case out, ok := <-ch:
		if !ok {
			return RunOutcome{}, fmt.Errorf("ops: task canceled")
		}
		return out, nil
	}
}

func (m *Manager) enqueue(ctx context.Context, key catalog.SourceKey, reason string) (<-chan RunOutcome, error) {
	key.FID = strings.TrimSpace(key.FID)
	key.GID = strings.TrimSpace(key.GID)
	reason = strings.TrimSpace(reason)
	if key.FID == "" {
		return nil, fmt.Errorf("ops: fid is empty")
	}
	if reason == "" {
		return nil, fmt.Errorf("ops: reason is empty")
	}

	now := store.NowTS()
	joiner := make(chan RunOutcome, 1)

	m.mu.Lock()
	entry, exists := m.tasks[key]
	if exists {
		m.deduped++
		entry.reasonCounts[reason]++
		entry.joiners = append(entry.joiners, joiner)
	} else {
		entry = &taskEntry{
			enqueuedAt:   now,
			reasonCounts: map[string]int64{reason: 1},
			joiners:      []chan RunOutcome{joiner},
		}
		m.tasks[key] = entry
		m.pending = append(m.pending, key)
	}
	payload := taskEventPayload{
		Phase:        "enqueued",
		Key:          keyView(key),
		ReasonCounts: copyCounts(entry.reasonCounts),
	}
	m.mu.Unlock()

	m.publish(ctx, "ops.task", payload)
	if !exists {
		m.signalWake()
	}
	m.publishQueueSnapshot(ctx)

	return joiner, nil
}

func (m *Manager) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) popPending() (catalog.SourceKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return catalog.SourceKey{}, false
	}
	key := m.pending[0]
	m.pending = m.pending[1:]
	return key, true
}

func (m *Manager) workerLoop(ctx context.Context, idx int) {
	for {
		key, ok := m.popPending()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
				continue
			}
		}
		// More work may remain for the other workers.
		m.mu.Lock()
		if len(m.pending) > 0 {
			m.signalWake()
		}
		m.mu.Unlock()

		m.runOne(ctx, idx, key)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (m *Manager) runOne(ctx context.Context, idx int, key catalog.SourceKey) {
	startedAt := store.NowTS()
	runID, err := m.startTask(ctx, idx, key, startedAt)
	if err != nil {
		m.setWorkerError(ctx, idx, fmt.Sprintf("start task failed: %v", err))
		return
	}

	res, taskErr := m.runTask(ctx, key, runID)
	endedAt := store.NowTS()

	fin := store.RunFinish{EndedAt: endedAt, OK: taskErr == nil}
	var errView *TaskErrorView
	if taskErr != nil {
		fin.Fetch = taskErr.fetch
		fin.Parse = taskErr.parse
		fin.ErrorCode = taskErr.code
		fin.ErrorMessage = taskErr.message
		errView = &TaskErrorView{Code: taskErr.code, Message: taskErr.message}
	} else {
		fin.Fetch = res.fetch
		fin.Parse = res.parse
	}
	if err := m.st.FinishTaskRun(ctx, runID, fin); err != nil {
		m.log.Warn("ops: finish task run failed", "runId", runID, "error", err)
	}

	ok := taskErr == nil
	m.publish(ctx, "ops.task", taskEventPayload{
		Phase: "finished",
		Key:   keyView(key),
		Run: &TaskRunView{
			RunID:     runID,
			StartedAt: startedAt,
			EndedAt:   &endedAt,
			OK:        &ok,
			Fetch:     fin.Fetch,
			Parse:     fin.Parse,
			Error:     errView,
		},
	})

	if ok {
		m.Log(ctx, "info", "ops.task",
			fmt.Sprintf("task ok: fid=%s gid=%s", key.FID, key.GID),
			metaJSON(map[string]any{"runId": runID, "fid": key.FID, "gid": key.GID}))
	} else {
		m.Log(ctx, "error", "ops.task",
			fmt.Sprintf("task failed: fid=%s gid=%s (%s)", key.FID, key.GID, taskErr.message),
			metaJSON(map[string]any{"runId": runID, "fid": key.FID, "gid": key.GID}))
	}

	m.finishTask(ctx, idx, key, RunOutcome{RunID: runID, OK: ok})
	m.publishQueueSnapshot(ctx)
}

func (m *Manager) startTask(ctx context.Context, idx int, key catalog.SourceKey, startedAt string) (int64, error) {
	runID, err := m.st.StartTaskRun(ctx, key, startedAt)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	w := &m.workers[idx]
	w.state = "running"
	k := key
	w.task = &k
	w.startedAt = startedAt

	entry, ok := m.tasks[key]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("task entry missing for %s", key)
	}
	entry.running = true
	entry.runID = runID
	entry.startedAt = startedAt
	reasonCounts := copyCounts(entry.reasonCounts)
	manual := entry.reasonCounts["manual_refresh"] > 0
	m.mu.Unlock()

	m.publishWorkersSnapshot(ctx)
	m.publishQueueSnapshot(ctx)
	m.publish(ctx, "ops.task", taskEventPayload{
		Phase:        "started",
		Key:          keyView(key),
		ReasonCounts: reasonCounts,
		Run:          &TaskRunView{RunID: runID, StartedAt: startedAt},
	})

	if manual {
		m.Log(ctx, "info", "ops.task", "lifecycle notify enabled for this run",
			metaJSON(map[string]any{"runId": runID}))
	}
	return runID, nil
}

func (m *Manager) finishTask(ctx context.Context, idx int, key catalog.SourceKey, out RunOutcome) {
	m.mu.Lock()
	w := &m.workers[idx]
	w.state = "idle"
	w.task = nil
	w.startedAt = ""

	var joiners []chan RunOutcome
	if entry, ok := m.tasks[key]; ok {
		joiners = entry.joiners
		delete(m.tasks, key)
	}
	m.mu.Unlock()

	for _, j := range joiners {
		j <- out
	}
	m.publishWorkersSnapshot(ctx)
}

func (m *Manager) setWorkerError(ctx context.Context, idx int, message string) {
	ts := store.NowTS()
	m.mu.Lock()
	w := &m.workers[idx]
	w.state = "error"
	w.lastErr = &WorkerErrorView{TS: ts, Message: message}
	m.mu.Unlock()

	m.publishWorkersSnapshot(ctx)
	m.Log(ctx, "error", "ops.worker", message,
		metaJSON(map[string]any{"workerId": idx + 1}))
}

type taskResult struct {
	fetch *store.FetchMeta
	parse *store.ParseMeta
}

type taskError struct {
	code    string
	message string
	fetch   *store.FetchMeta
	parse   *store.ParseMeta
}

func (m *Manager) runTask(ctx context.Context, key catalog.SourceKey, runID int64) (*taskResult, *taskError) {
	fetch, err := m.cfg.Fetcher.FetchDetailed(ctx, key)
	if err != nil {
		return nil, &taskError{code: "upstream_fetch", message: err.Error()}
	}

	fetchMeta := &store.FetchMeta{
		URL:        fetch.URL,
		HTTPStatus: fetch.HTTPStatus,
		Bytes:      fetch.Bytes,
		ElapsedMs:  fetch.ElapsedMs,
	}
	parseMeta := &store.ParseMeta{
		OK:              true,
		ProducedConfigs: int64(len(fetch.Configs)),
		ElapsedMs:       fetch.ParseElapsedMs,
	}

	applied, err := m.st.ApplyURLFetch(ctx, key, fetch.URL, fetch.Configs)
	if err != nil {
		return nil, &taskError{
			code:    "apply_failed",
			message: err.Error(),
			fetch:   fetchMeta,
			parse:   &store.ParseMeta{OK: false, ProducedConfigs: parseMeta.ProducedConfigs, ElapsedMs: parseMeta.ElapsedMs},
		}
	}

	// Lifecycle notifications fire only on runs a user asked for, so a
	// flapping upstream cannot spam every poll cycle.
	m.mu.Lock()
	manual := false
	if entry, ok := m.tasks[key]; ok {
		manual = entry.reasonCounts["manual_refresh"] > 0
	}
	m.mu.Unlock()

	if manual && (len(applied.ListedIDs) > 0 || len(applied.DelistedIDs) > 0) {
		if err := m.notifyLifecycle(ctx, runID, key, applied); err != nil {
			m.log.Warn("ops: lifecycle notify failed", "error", err)
		}
	}

	return &taskResult{fetch: fetchMeta, parse: parseMeta}, nil
}

// Log appends one ops.log event and returns its id.
func (m *Manager) Log(ctx context.Context, level, scope, message string, meta json.RawMessage) int64 {
	ts := store.NowTS()
	id, err := m.publishWithTS(ctx, "ops.log", ts, logEventPayload{
		TS:      ts,
		Level:   level,
		Scope:   scope,
		Message: message,
		Meta:    meta,
	})
	if err != nil {
		m.log.Warn("ops: log publish failed", "error", err)
	}
	return id
}

// RecordNotify persists one notification attempt, publishes the matching
// ops.notify event, and mirrors it into the ops log.
func (m *Manager) RecordNotify(ctx context.Context, runID int64, channel, result, message string) {
	ts := store.NowTS()
	if err := m.st.InsertNotifyRun(ctx, runID, ts, channel, result, message); err != nil {
		m.log.Warn("ops: record notify failed", "error", err)
	}

	m.publish(ctx, "ops.notify", notifyEventPayload{
		RunID:   runID,
		Channel: channel,
		Result:  result,
		Message: message,
	})

	level := "info"
	if result != "success" && result != "skipped" {
		level = "warn"
	}
	msg := fmt.Sprintf("notify %s: %s", channel, result)
	if message != "" {
		msg = fmt.Sprintf("notify %s: %s (%s)", channel, result, message)
	}
	m.Log(ctx, level, "notify."+channel, msg,
		metaJSON(map[string]any{"runId": runID, "channel": channel, "result": result}))
}

func (m *Manager) publishQueueSnapshot(ctx context.Context) {
	m.mu.Lock()
	q := m.queueViewLocked()
	m.mu.Unlock()
	m.publish(ctx, "ops.queue", queueEventPayload{Queue: q})
}

func (m *Manager) queueViewLocked() QueueView {
	var pending, running int64
	for _, t := range m.tasks {
		if t.running {
			running++
		} else {
			pending++
		}
	}
	return QueueView{Pending: pending, Running: running, Deduped: m.deduped}
}

func (m *Manager) publishWorkersSnapshot(ctx context.Context) {
	m.mu.Lock()
	views := m.workerViewsLocked()
	m.mu.Unlock()
	m.publish(ctx, "ops.worker", workersEventPayload{Workers: views})
}

func (m *Manager) workerViewsLocked() []WorkerView {
	views := make([]WorkerView, len(m.workers))
	for i, w := range m.workers {
		v := WorkerView{WorkerID: w.id, State: w.state, LastError: w.lastErr}
		if w.task != nil {
			kv := keyView(*w.task)
			v.Task = &kv
		}
		if w.startedAt != "" {
			sa := w.startedAt
			v.StartedAt = &sa
		}
		views[i] = v
	}
	return views
}

func (m *Manager) publish(ctx context.Context, event string, payload any) {
	if _, err := m.publishWithTS(ctx, event, store.NowTS(), payload); err != nil {
		m.log.Warn("ops: publish failed", "event", event, "error", err)
	}
}

// publishWithTS persists one event and fans it out, under the publish
// lock so subscribers observe ids in persisted order.
func (m *Manager) publishWithTS(ctx context.Context, event, ts string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}

	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	id, err := m.st.InsertOpsEvent(ctx, ts, event, string(data))
	if err != nil {
		return 0, err
	}
	stored := store.OpsEvent{ID: id, TS: ts, Event: event, DataJSON: string(data)}

	m.subMu.Lock()
	for subID, ch := range m.subs {
		select {
		case ch <- stored:
		default:
			// Subscriber too slow: disconnect it, replay will catch it up.
			delete(m.subs, subID)
			close(ch)
		}
	}
	m.subMu.Unlock()

	return id, nil
}

func copyCounts(src map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func metaJSON(v map[string]any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
