package ops

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/hazyhaar/catnap/catalog"
	"github.com/hazyhaar/catnap/store"
)

// SnapshotState assembles the full dashboard snapshot: live dispatcher
// state plus the windowed stats, sparklines, and ops log tail.
// logLimit/taskLimit of 0 pick the configured defaults; both clamp to
// 1..500.
func (m *Manager) SnapshotState(ctx context.Context, r Range, logLimit, taskLimit int) (*Snapshot, error) {
	now := time.Now().UTC()

	if logLimit <= 0 {
		logLimit = m.cfg.LogTailLimit
	}
	if taskLimit <= 0 {
		taskLimit = m.cfg.TaskLimit
	}
	logLimit = clamp(logLimit, 1, 500)
	taskLimit = clamp(taskLimit, 1, 500)

	m.mu.Lock()
	queue := m.queueViewLocked()
	workers := m.workerViewsLocked()
	tasks := make([]TaskView, 0, len(m.tasks))
	for key, t := range m.tasks {
		state := "pending"
		if t.running {
			state = "running"
		}
		tasks = append(tasks, TaskView{
			Key:          keyView(key),
			State:        state,
			EnqueuedAt:   t.enqueuedAt,
			ReasonCounts: copyCounts(t.reasonCounts),
		})
	}
	m.mu.Unlock()

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].EnqueuedAt < tasks[j].EnqueuedAt
	})
	if len(tasks) > taskLimit {
		tasks = tasks[:taskLimit]
	}
	for i := range tasks {
		key := catalog.SourceKey{FID: tasks[i].Key.FID}
		if tasks[i].Key.GID != nil {
			key.GID = *tasks[i].Key.GID
		}
		lr, err := m.st.LastRunForKey(ctx, key)
		if err != nil {
			return nil, err
		}
		tasks[i].LastRun = lr
	}

	stats, err := m.Stats(ctx, r, now)
	if err != nil {
		return nil, err
	}
	sparks, err := m.Sparks(ctx, r, now)
	if err != nil {
		return nil, err
	}
	logTail, err := m.logTail(ctx, logLimit)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		ServerTime:          store.FormatTS(now),
		Range:               string(r),
		ReplayWindowSeconds: m.cfg.ReplayWindowSeconds,
		Queue:               queue,
		Workers:             workers,
		Tasks:               tasks,
		Stats:               stats,
		Sparks:              sparks,
		LogTail:             logTail,
	}, nil
}

func (m *Manager) logTail(ctx context.Context, limit int) ([]LogEntryView, error) {
	events, err := m.st.OpsLogTail(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]LogEntryView, 0, len(events))
	for _, e := range events {
		var p logEventPayload
		if err := json.Unmarshal([]byte(e.DataJSON), &p); err != nil {
			// Unparseable payloads surface raw rather than vanish.
			p = logEventPayload{TS: e.TS, Level: "info", Scope: "ops", Message: e.DataJSON}
		}
		out = append(out, LogEntryView{
			EventID: e.ID,
			TS:      p.TS,
			Level:   p.Level,
			Scope:   p.Scope,
			Message: p.Message,
			Meta:    p.Meta,
		})
	}
	return out, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
