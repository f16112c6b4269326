// Package poller drives per-user monitoring. Each user's enabled configs
// are grouped by source page, the shared fetch is joined through the
// dispatcher, and the before/after rows are compared for restocks, price
// moves, and config changes. The same loop schedules the auto full
// refresh and the retention cleanups.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/catnap/catalog"
	"github.com/hazyhaar/catnap/notify"
	"github.com/hazyhaar/catnap/ops"
	"github.com/hazyhaar/catnap/refresh"
	"github.com/hazyhaar/catnap/store"
)

const inventoryRetentionDays = 30

// Dispatcher joins or starts the fetch task for one source page.
// *ops.Manager satisfies it.
type Dispatcher interface {
	EnqueueAndWait(ctx context.Context, key catalog.SourceKey, reason string) (ops.RunOutcome, error)
}

// Refresher starts full-catalog refresh jobs. *refresh.Manager satisfies it.
type Refresher interface {
	Trigger(trigger refresh.Trigger, userID string) (refresh.Status, error)
}

// Config configures a Poller.
type Config struct {
	Store      *store.Store
	Dispatcher Dispatcher
	Refresher  Refresher
	Logger     *slog.Logger
	Telegram   *notify.Telegram

	// Tick is the loop granularity, not the poll interval. Poll
	// intervals come from each user's settings.
	Tick         time.Duration
	CleanupEvery time.Duration

	LogRetentionDays    int
	LogRetentionMaxRows int
	OpsRetentionDays    int

	// Rand supplies the jitter fraction in [0, 1). Tests pin it.
	Rand func() float64
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tick <= 0 {
		c.Tick = 2 * time.Second
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = 30 * time.Minute
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
}

// Poller owns the monitoring loop state. Run it from one goroutine.
type Poller struct {
	cfg Config
	st  *store.Store
	log *slog.Logger

	nextDue     map[string]time.Time
	lastCleanup time.Time
	autoLast    time.Time
	autoArmed   bool
}

func New(cfg Config) *Poller {
	cfg.defaults()
	return &Poller{
		cfg:     cfg,
		st:      cfg.Store,
		log:     cfg.Logger,
		nextDue: make(map[string]time.Time),
	}
}

// Run loops until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	for {
		if err := p.Tick(ctx, time.Now().UTC()); err != nil {
			p.log.Warn("poller: tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one pass of the loop: auto-refresh schedule, due users,
// cleanups. Exposed so tests can drive the loop with a fixed clock.
func (p *Poller) Tick(ctx context.Context, now time.Time) error {
	p.tickAutoRefresh(ctx, now)

	users, err := p.st.ListMonitoringUsers(ctx)
	if err != nil {
		return err
	}
	for _, userID := range users {
		due, ok := p.nextDue[userID]
		if ok && now.Before(due) {
			continue
		}
		settings, err := p.st.GetSettings(ctx, userID)
		if err != nil {
			p.log.Warn("poller: load settings failed", "userId", userID, "error", err)
			continue
		}
		p.nextDue[userID] = now.Add(p.pollInterval(settings))

		if err := p.pollOnce(ctx, settings); err != nil {
			p.log.Warn("poller: poll failed", "userId", userID, "error", err)
		}
	}

	if p.lastCleanup.IsZero() || now.Sub(p.lastCleanup) > p.cfg.CleanupEvery {
		p.cleanup(ctx)
		p.lastCleanup = now
	}
	return nil
}

// tickAutoRefresh fires the auto full refresh on the smallest interval any
// user enabled. The countdown starts when the feature turns on, not from
// some past epoch.
func (p *Poller) tickAutoRefresh(ctx context.Context, now time.Time) {
	hours, err := p.st.MinAutoRefreshIntervalHours(ctx)
	if err != nil {
		p.log.Warn("poller: auto refresh interval lookup failed", "error", err)
		return
	}
	if hours <= 0 {
		p.autoArmed = false
		return
	}
	if !p.autoArmed {
		p.autoArmed = true
		p.autoLast = now
		return
	}
	if now.Sub(p.autoLast) < time.Duration(hours)*time.Hour {
		return
	}
	p.autoLast = now
	if _, err := p.cfg.Refresher.Trigger(refresh.TriggerAuto, ""); err != nil {
		p.log.Warn("poller: auto refresh trigger failed", "error", err)
	}
}

func (p *Poller) pollInterval(settings *store.Settings) time.Duration {
	minutes := settings.PollIntervalMinutes
	if minutes < 1 {
		minutes = 1
	}
	jitter := settings.PollJitterPct
	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}
	base := time.Duration(minutes) * time.Minute
	return base + time.Duration(float64(base)*jitter*p.cfg.Rand())
}

// pollOnce refreshes every source page the user monitors and reports the
// per-config changes it finds.
func (p *Poller) pollOnce(ctx context.Context, settings *store.Settings) error {
	enabled, err := p.st.ListEnabledMonitoringIDs(ctx, settings.UserID)
	if err != nil {
		return err
	}
	if len(enabled) == 0 {
		return nil
	}

	before, err := p.st.ListPollSnapshots(ctx, enabled)
	if err != nil {
		return err
	}

	byKey := make(map[catalog.SourceKey][]string)
	oldByID := make(map[string]store.PollSnapshot, len(before))
	for _, snap := range before {
		byKey[snap.Key] = append(byKey[snap.Key], snap.ID)
		oldByID[snap.ID] = snap
	}

	for key, ids := range byKey {
		if _, err := p.cfg.Dispatcher.EnqueueAndWait(ctx, key, "poll"); err != nil {
			return fmt.Errorf("poller: %s: %w", key.URLKey(), err)
		}

		after, err := p.st.ListPollSnapshots(ctx, ids)
		if err != nil {
			return err
		}
		for _, cur := range after {
			old, ok := oldByID[cur.ID]
			if !ok {
				continue
			}
			events := diffEvents(old, cur)
			if len(events) == 0 {
				continue
			}
			p.reportChange(ctx, settings, cur, events)
		}
		p.log.Info("poller: poll updated",
			"userId", settings.UserID, "fid", key.FID, "gid", key.GID)
	}
	return nil
}

func diffEvents(old, cur store.PollSnapshot) []string {
	var events []string
	if old.Quantity == 0 && cur.Quantity > 0 {
		events = append(events, "restock")
	}
	if old.Price != cur.Price {
		events = append(events, "price")
	}
	if old.Digest != cur.Digest {
		events = append(events, "config")
	}
	return events
}

func (p *Poller) reportChange(ctx context.Context, settings *store.Settings, cur store.PollSnapshot, events []string) {
	msg := fmt.Sprintf("[%s] %s (%s) qty=%d price=%s %s",
		strings.Join(events, ","), cur.Name, cur.ID, cur.Quantity,
		strconv.FormatFloat(cur.Price, 'f', -1, 64), settings.SiteBaseURL)

	if err := p.st.InsertLog(ctx, settings.UserID, "info", "poll", msg, ""); err != nil {
		p.log.Warn("poller: change log failed", "userId", settings.UserID, "error", err)
	}

	if settings.TelegramEnabled && p.cfg.Telegram != nil && settings.TelegramConfigured() {
		err := p.cfg.Telegram.Send(ctx, settings.TelegramBotToken, settings.TelegramTarget, msg)
		if err != nil {
			p.log.Warn("poller: telegram send failed",
				"userId", settings.UserID, "error", err)
			meta, _ := json.Marshal(map[string]string{"error": err.Error()})
			_ = p.st.InsertLog(ctx, settings.UserID, "warn", "notify.telegram",
				"telegram send failed", string(meta))
		}
	}
}

func (p *Poller) cleanup(ctx context.Context) {
	if err := p.st.CleanupLogs(ctx, p.cfg.LogRetentionDays, p.cfg.LogRetentionMaxRows); err != nil {
		p.log.Warn("poller: log cleanup failed", "error", err)
	}
	if err := p.st.CleanupInventorySamples(ctx, inventoryRetentionDays); err != nil {
		p.log.Warn("poller: inventory cleanup failed", "error", err)
	}
	if p.cfg.OpsRetentionDays > 0 {
		if err := p.st.CleanupOps(ctx, p.cfg.OpsRetentionDays); err != nil {
			p.log.Warn("poller: ops cleanup failed", "error", err)
		}
	}
}
