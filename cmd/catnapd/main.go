// catnapd is the catalog monitoring daemon: one SQLite database, a fetch
// dispatcher with its ops event log, the full-refresh manager, the
// per-user poller, and the HTTP/SSE API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/catnap/api"
	"github.com/hazyhaar/catnap/config"
	"github.com/hazyhaar/catnap/dbopen"
	"github.com/hazyhaar/catnap/notify"
	"github.com/hazyhaar/catnap/ops"
	"github.com/hazyhaar/catnap/poller"
	"github.com/hazyhaar/catnap/refresh"
	"github.com/hazyhaar/catnap/store"
	"github.com/hazyhaar/catnap/upstream"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		logger.Error("open db", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st := store.NewStore(db)
	if err := st.Init(ctx); err != nil {
		logger.Error("init schema", "error", err)
		os.Exit(1)
	}

	client := upstream.New(cfg.Upstream.CartURL)
	telegram := notify.NewTelegram(cfg.Telegram.APIBaseURL)
	webhook := notify.NewWebhook()

	opsMgr := ops.New(ops.Config{
		Store:               st,
		Fetcher:             client,
		Logger:              logger,
		Workers:             cfg.Ops.Workers,
		ReplayWindowSeconds: int64(cfg.Ops.ReplayWindowS),
		Telegram:            telegram,
		Webhook:             webhook,
	})
	opsMgr.Start(ctx)

	refreshMgr := refresh.New(refresh.Config{
		Store:          st,
		Crawler:        client,
		Logger:         logger,
		Telegram:       telegram,
		Webhook:        webhook,
		ManualCooldown: time.Duration(cfg.Ops.ManualCooldown) * time.Second,
	})
	refreshMgr.Start(ctx)

	p := poller.New(poller.Config{
		Store:               st,
		Dispatcher:          opsMgr,
		Refresher:           refreshMgr,
		Logger:              logger,
		Telegram:            telegram,
		LogRetentionDays:    cfg.Logs.RetentionDays,
		LogRetentionMaxRows: cfg.Logs.MaxRows,
		OpsRetentionDays:    cfg.Ops.RetentionDays,
	})
	go p.Run(ctx)

	handler := api.New(api.Config{
		Store:                      st,
		Ops:                        opsMgr,
		Refresh:                    refreshMgr,
		Logger:                     logger,
		Telegram:                   telegram,
		Webhook:                    webhook,
		UserHeader:                 cfg.Auth.UserHeader,
		DefaultPollIntervalMinutes: cfg.Poll.IntervalMinutes,
		DefaultPollJitterPct:       cfg.Poll.JitterPct,
		CartURL:                    cfg.Upstream.CartURL,
		Version:                    version,
	})

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("catnapd listening", "addr", cfg.BindAddr, "version", version)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
	logger.Info("catnapd stopped")
}

func logLevel() slog.Level {
	switch os.Getenv("CATNAP_LOG_LEVEL") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
