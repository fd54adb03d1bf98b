package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"solar-hub/internal/config"
	"solar-hub/internal/httpapi"
	"solar-hub/internal/mqtt"
	"solar-hub/internal/pairing"
	"solar-hub/internal/presence"
	"solar-hub/internal/realtime"
	"solar-hub/internal/router"
	"solar-hub/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}

	registry := pairing.NewRegistry()
	repo, err := store.New(db, registry)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mq, err := mqtt.Connect(mqtt.Config{BrokerURL: cfg.MQTTBrokerURL})
	if err != nil {
		slog.Error("mqtt connect failed", "error", err)
		os.Exit(1)
	}
	defer mq.Close()

	tracker := presence.NewTracker()
	hub := realtime.NewHub()

	r := router.New(tracker, registry, repo, hub)
	if err := r.Start(ctx, mq); err != nil {
		slog.Error("mqtt subscribe failed", "error", err)
		os.Exit(1)
	}

	go tracker.RunSweeper(ctx, presence.SweepEvery, presence.Timeout, func(deviceID string) {
		hub.Presence(deviceID, false)
	})

	keep, err := time.ParseDuration(cfg.HistoryKeep)
	if err != nil {
		slog.Warn("bad HISTORY_KEEP, using 720h", "value", cfg.HistoryKeep)
		keep = 720 * time.Hour
	}
	sched := cron.New()
	_, err = sched.AddFunc("@daily", func() {
		n, err := repo.PruneSamples(context.Background(), keep)
		if err != nil {
			slog.Error("history prune failed", "error", err)
			return
		}
		slog.Info("history pruned", "rows", n, "keep", keep)
	})
	if err != nil {
		slog.Error("cron schedule failed", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	mux := http.NewServeMux()
	httpapi.NewServer(repo, tracker, mq, hub).Register(mux, promhttp.Handler())
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("solar-hub listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	slog.Info("solar-hub stopped")
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
