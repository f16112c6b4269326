package ops

import (
	"encoding/json"

	"github.com/hazyhaar/catnap/catalog"
	"github.com/hazyhaar/catnap/store"
)

// TaskKeyView is the JSON shape of a source key. GID is null for sources
// without a region.
type TaskKeyView struct {
	FID string  `json:"fid"`
	GID *string `json:"gid"`
}

func keyView(key catalog.SourceKey) TaskKeyView {
	v := TaskKeyView{FID: key.FID}
	if key.GID != "" {
		gid := key.GID
		v.GID = &gid
	}
	return v
}

// QueueView is the live queue gauge: pending and running task counts plus
// the monotonic dedup counter.
type QueueView struct {
	Pending int64 `json:"pending"`
	Running int64 `json:"running"`
	Deduped int64 `json:"deduped"`
}

// WorkerErrorView is the last error a worker hit.
type WorkerErrorView struct {
	TS      string `json:"ts"`
	Message string `json:"message"`
}

// WorkerView is one worker's live state.
type WorkerView struct {
	WorkerID  string           `json:"workerId"`
	State     string           `json:"state"`
	Task      *TaskKeyView     `json:"task"`
	StartedAt *string          `json:"startedAt"`
	LastError *WorkerErrorView `json:"lastError"`
}

// TaskErrorView is the terminal error of a failed run.
type TaskErrorView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TaskRunView is the run detail attached to started/finished task events.
type TaskRunView struct {
	RunID     int64            `json:"runId"`
	StartedAt string           `json:"startedAt"`
	EndedAt   *string          `json:"endedAt"`
	OK        *bool            `json:"ok"`
	Fetch     *store.FetchMeta `json:"fetch"`
	Parse     *store.ParseMeta `json:"parse"`
	Error     *TaskErrorView   `json:"error"`
}

// TaskView is one queued or running task in the snapshot.
type TaskView struct {
	Key          TaskKeyView      `json:"key"`
	State        string           `json:"state"`
	EnqueuedAt   string           `json:"enqueuedAt"`
	ReasonCounts map[string]int64 `json:"reasonCounts"`
	LastRun      *store.LastRun   `json:"lastRun"`
}

// RateView is a success-rate aggregate over one time window.
type RateView struct {
	Total          int64   `json:"total"`
	Success        int64   `json:"success"`
	Failure        int64   `json:"failure"`
	SuccessRatePct float64 `json:"successRatePct"`
}

// NotifyStatsView groups per-channel delivery rates. A channel with no
// delivered or failed attempts in the window is null.
type NotifyStatsView struct {
	Telegram *RateView `json:"telegram"`
	Webhook  *RateView `json:"webhook"`
}

// StatsView is the windowed aggregate block of the snapshot.
type StatsView struct {
	Collection RateView        `json:"collection"`
	Notify     NotifyStatsView `json:"notify"`
}

// SparksView carries per-bucket series for the dashboard sparklines.
// Rate series are forward-filled: an empty bucket repeats the previous
// bucket's rate.
type SparksView struct {
	BucketSeconds                int64     `json:"bucketSeconds"`
	Volume                       []int64   `json:"volume"`
	CollectionSuccessRatePct     []float64 `json:"collectionSuccessRatePct"`
	NotifyTelegramSuccessRatePct []float64 `json:"notifyTelegramSuccessRatePct"`
	NotifyWebhookSuccessRatePct  []float64 `json:"notifyWebhookSuccessRatePct"`
}

// LogEntryView is one ops.log event decoded for the snapshot tail.
type LogEntryView struct {
	EventID int64           `json:"eventId"`
	TS      string          `json:"ts"`
	Level   string          `json:"level"`
	Scope   string          `json:"scope"`
	Message string          `json:"message"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// Snapshot is the full dashboard state: live queue/workers/tasks plus the
// windowed stats, sparklines, and log tail.
type Snapshot struct {
	ServerTime          string         `json:"serverTime"`
	Range               string         `json:"range"`
	ReplayWindowSeconds int64          `json:"replayWindowSeconds"`
	Queue               QueueView      `json:"queue"`
	Workers             []WorkerView   `json:"workers"`
	Tasks               []TaskView     `json:"tasks"`
	Stats               StatsView      `json:"stats"`
	Sparks              SparksView     `json:"sparks"`
	LogTail             []LogEntryView `json:"logTail"`
}

// event payloads

type taskEventPayload struct {
	Phase        string           `json:"phase"`
	Key          TaskKeyView      `json:"key"`
	ReasonCounts map[string]int64 `json:"reasonCounts"`
	Run          *TaskRunView     `json:"run"`
}

type queueEventPayload struct {
	Queue QueueView `json:"queue"`
}

type workersEventPayload struct {
	Workers []WorkerView `json:"workers"`
}

type notifyEventPayload struct {
	RunID   int64  `json:"runId"`
	Channel string `json:"channel"`
	Result  string `json:"result"`
	Message string `json:"message,omitempty"`
}

type logEventPayload struct {
	TS      string          `json:"ts"`
	Level   string          `json:"level"`
	Scope   string          `json:"scope"`
	Message string          `json:"message"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}
