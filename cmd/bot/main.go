package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"xwatch/internal/config"
	"xwatch/internal/fetcher"
	"xwatch/internal/governor"
	"xwatch/internal/notify"
	"xwatch/internal/reload"
	"xwatch/internal/scheduler"
	"xwatch/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	defaultPath := os.Getenv("XWATCH_CONFIG")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to the config file (yaml, toml or json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "path", *configPath, "error", err)
		return 1
	}

	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.StateFile, cfg.SeenRetention, log)
	if err != nil {
		log.Error("open state", "path", cfg.StateFile, "error", err)
		return 1
	}

	gov := governor.New(cfg.GovernorConfig())
	primary := fetcher.NewSyndication(&http.Client{Timeout: cfg.RequestTimeout})
	fallback := fetcher.NewRSSHub(&http.Client{Timeout: cfg.Fallback.Timeout}, cfg.Fallback.BaseURL)

	sink, err := notify.New(cfg.Telegram.BotToken, cfg.Telegram.ChatID, notify.Options{
		RatePerSec: cfg.Telegram.RatePerSec,
		RetryMax:   cfg.Telegram.RetryMax,
		Location:   cfg.Location,
	}, log)
	if err != nil {
		log.Error("create telegram sink", "error", err)
		_ = store.Close()
		return 1
	}

	sched := scheduler.New(store, gov, primary, fallback, sink, reload.SchedulerOptions(cfg), log)
	sched.Apply(config.Diff(nil, cfg))

	watcher := config.NewWatcher(*configPath, cfg, log)
	ctrl := reload.New(sched, gov, fallback, sink, cfg, log)
	go ctrl.Run(ctx, watcher.Subscribe(1))
	go func() {
		if err := watcher.Watch(ctx); err != nil {
			log.Error("config watcher", "error", err)
		}
	}()

	if cfg.NotifyStartup {
		if err := sink.Notify(ctx, notify.FormatStartup(cfg.SubjectNames())); err != nil {
			log.Error("send startup notice", "error", err)
		}
	}

	log.Info("starting watcher",
		"subjects", len(cfg.Subjects),
		"state_file", cfg.StateFile,
		"fallback", cfg.Fallback.Enabled,
	)

	exit := 0
	if err := sched.Run(ctx); err != nil {
		log.Error("shutdown", "error", err)
		exit = 1
	}

	if ctrl.Current().NotifyStartup {
		nctx, ncancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sink.Notify(nctx, "xwatch stopped"); err != nil {
			log.Warn("send shutdown notice", "error", err)
		}
		ncancel()
	}

	if err := store.Close(); err != nil {
		log.Error("close state", "error", err)
		exit = 1
	}
	log.Info("watcher stopped")
	return exit
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
