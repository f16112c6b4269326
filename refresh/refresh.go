// Package refresh runs full-catalog refresh jobs: enumerate every source
// page, skip pages fetched recently enough, and fetch-and-apply the rest.
// Concurrent work on the same page URL is collapsed so a manual refresh,
// the auto refresh, and an API-triggered region fetch never hit upstream
// twice for the same page at the same time.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/catnap/catalog"
	"github.com/hazyhaar/catnap/idgen"
	"github.com/hazyhaar/catnap/notify"
	"github.com/hazyhaar/catnap/store"
)

// manualMinInterval is the per-user floor between manual triggers.
const manualMinInterval = 30 * time.Second

// cacheHitWindow skips a page whose last successful fetch is this recent.
const cacheHitWindow = 5 * time.Minute

// ErrRateLimited is returned when a user re-triggers a manual refresh
// inside the cooldown.
var ErrRateLimited = errors.New("refresh: manual trigger rate limited")

// Trigger identifies who started a refresh job.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerAuto   Trigger = "auto"
)

// Crawler is the upstream surface the refresh job needs.
// *upstream.Client satisfies it.
type Crawler interface {
	FetchCountries(ctx context.Context) ([]catalog.Country, error)
	FetchRegions(ctx context.Context, fid string) ([]catalog.Region, error)
	FetchConfigs(ctx context.Context, key catalog.SourceKey) ([]catalog.Config, error)
	URLFor(key catalog.SourceKey) string
}

// Current describes the page a running job is looking at.
type Current struct {
	URLKey string `json:"urlKey"`
	URL    string `json:"url"`
	Action string `json:"action"` // fetch | cache
	Note   string `json:"note,omitempty"`
}

// Status is the observable state of the refresh manager. One job runs at
// a time; a trigger while running joins the in-flight job.
type Status struct {
	JobID     string   `json:"jobId"`
	State     string   `json:"state"` // idle | running | success | error
	Trigger   string   `json:"trigger"`
	Done      int64    `json:"done"`
	Total     int64    `json:"total"`
	Message   string   `json:"message,omitempty"`
	StartedAt string   `json:"startedAt"`
	UpdatedAt string   `json:"updatedAt"`
	Current   *Current `json:"current"`
}

// CatalogMeta is the country/region tree from the last enumeration, kept
// in memory for the product browsing endpoints.
type CatalogMeta struct {
	Countries []catalog.Country `json:"countries"`
	Regions   []catalog.Region  `json:"regions"`
	FetchedAt string            `json:"fetchedAt"`
}

// Config configures a refresh Manager.
type Config struct {
	Store   *store.Store
	Crawler Crawler
	Logger  *slog.Logger

	Telegram *notify.Telegram
	Webhook  *notify.Webhook

	// ManualCooldown overrides the per-user floor between manual
	// triggers. Zero keeps the default.
	ManualCooldown time.Duration
}

// Manager owns the single-job state machine and the URL-join group.
type Manager struct {
	cfg Config
	st  *store.Store
	log *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	status Status
	meta   CatalogMeta
	gate   map[string]time.Time

	subMu   sync.Mutex
	subs    map[uint64]chan Status
	nextSub uint64

	jobCtx context.Context
}

func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ManualCooldown <= 0 {
		cfg.ManualCooldown = manualMinInterval
	}
	now := store.NowTS()
	return &Manager{
		cfg: cfg,
		st:  cfg.Store,
		log: cfg.Logger,
		status: Status{
			JobID:     idgen.New(),
			State:     "idle",
			Trigger:   string(TriggerManual),
			StartedAt: now,
			UpdatedAt: now,
		},
		gate:   make(map[string]time.Time),
		subs:   make(map[uint64]chan Status),
		jobCtx: context.Background(),
	}
}

// Start binds refresh jobs to ctx so shutdown cancels an in-flight job.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.jobCtx = ctx
	m.mu.Unlock()
}

// Status returns a copy of the current job state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Catalog returns the country/region tree from the last enumeration.
func (m *Manager) Catalog() CatalogMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta
}

// Subscribe registers a status listener. Updates are coalescable, so a
// slow listener loses intermediate progress rather than blocking the job.
func (m *Manager) Subscribe() (uint64, <-chan Status) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSub++
	id := m.nextSub
	ch := make(chan Status, 16)
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

func (m *Manager) broadcast(st Status) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// Trigger starts a full refresh, or joins the running one. Manual
// triggers enforce the per-user cooldown before anything else, so a
// rate-limited user cannot even join.
func (m *Manager) Trigger(trigger Trigger, userID string) (Status, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	if trigger == TriggerManual && userID != "" {
		if last, ok := m.gate[userID]; ok && now.Sub(last) < m.cfg.ManualCooldown {
			m.mu.Unlock()
			return Status{}, ErrRateLimited
		}
		m.gate[userID] = now
	}

	if m.status.State == "running" {
		st := m.status
		m.mu.Unlock()
		return st, nil
	}

	startedAt := store.FormatTS(now)
	m.status = Status{
		JobID:     idgen.New(),
		State:     "running",
		Trigger:   string(trigger),
		StartedAt: startedAt,
		UpdatedAt: startedAt,
	}
	st := m.status
	ctx := m.jobCtx
	m.mu.Unlock()
	m.broadcast(st)

	go func() {
		if err := m.runJob(ctx, st.JobID, trigger); err != nil {
			m.log.Warn("refresh: job failed", "jobId", st.JobID, "error", err)
			m.finish("error", err.Error())
		}
	}()

	return st, nil
}

func (m *Manager) finish(state, message string) {
	m.mu.Lock()
	m.status.State = state
	m.status.Message = message
	m.status.UpdatedAt = store.NowTS()
	m.status.Current = nil
	st := m.status
	m.mu.Unlock()
	m.broadcast(st)
}

func (m *Manager) progress(done, total int64, current *Current) {
	m.mu.Lock()
	m.status.Done = done
	m.status.Total = total
	m.status.UpdatedAt = store.NowTS()
	m.status.Current = current
	st := m.status
	m.mu.Unlock()
	m.broadcast(st)
}

func (m *Manager) runJob(ctx context.Context, jobID string, trigger Trigger) error {
	countries, err := m.cfg.Crawler.FetchCountries(ctx)
	if err != nil {
		return err
	}

	var (
		tasks      []catalog.SourceKey
		allRegions []catalog.Region
	)
	for _, c := range countries {
		regions, err := m.cfg.Crawler.FetchRegions(ctx, c.ID)
		if err != nil {
			return err
		}
		allRegions = append(allRegions, regions...)
		if len(regions) == 0 {
			tasks = append(tasks, catalog.SourceKey{FID: c.ID})
			continue
		}
		for _, r := range regions {
			tasks = append(tasks, catalog.SourceKey{FID: c.ID, GID: r.ID})
		}
	}

	m.mu.Lock()
	m.meta = CatalogMeta{
		Countries: countries,
		Regions:   allRegions,
		FetchedAt: store.NowTS(),
	}
	m.mu.Unlock()

	total := int64(len(tasks))
	if total == 0 {
		total = 1
	}
	m.progress(0, total, nil)
	m.log.Info("refresh: job started",
		"jobId", jobID, "trigger", string(trigger), "total", total)

	var done int64
	for _, key := range tasks {
		action, note := "fetch", ""
		cache, err := m.st.GetURLCache(ctx, key.URLKey())
		if err != nil {
			return err
		}
		if cache != nil {
			if last, err := store.ParseTS(cache.LastSuccessAt); err == nil &&
				time.Since(last) <= cacheHitWindow {
				action, note = "cache", "cache hit"
			}
		}

		m.progress(done, total, &Current{
			URLKey: key.URLKey(),
			URL:    m.cfg.Crawler.URLFor(key),
			Action: action,
			Note:   note,
		})

		if action == "fetch" {
			if _, err := m.FetchAndApply(ctx, key); err != nil {
				return err
			}
		}

		done++
		m.progress(done, total, nil)
	}

	m.finish("success", "")
	m.log.Info("refresh: job finished", "jobId", jobID, "done", done, "total", total)
	return nil
}

// FetchAndApply fetches one source page, reconciles it into the store,
// and fans out lifecycle notifications for the diff. Concurrent calls for
// the same URL key share one fetch.
func (m *Manager) FetchAndApply(ctx context.Context, key catalog.SourceKey) (time.Time, error) {
	v, err, _ := m.group.Do(key.URLKey(), func() (any, error) {
		configs, err := m.cfg.Crawler.FetchConfigs(ctx, key)
		if err != nil {
			return nil, err
		}
		applied, err := m.st.ApplyURLFetch(ctx, key, m.cfg.Crawler.URLFor(key), configs)
		if err != nil {
			return nil, err
		}
		if len(applied.ListedIDs) > 0 || len(applied.DelistedIDs) > 0 {
			if err := m.notifyLifecycle(ctx, applied); err != nil {
				m.log.Warn("refresh: lifecycle notify failed", "error", err)
			}
		}
		return applied.FetchedAt, nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("refresh: %s: %w", key.URLKey(), err)
	}
	return v.(time.Time), nil
}
