package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"solar-hub/internal/agent"
	"solar-hub/internal/config"
)

func main() {
	cfg := config.LoadAgent()
	setupLogging(cfg.LogLevel)

	deviceID := cfg.DeviceID
	if deviceID == "" {
		var err error
		deviceID, err = loadOrCreateDeviceID(filepath.Join(filepath.Dir(cfg.CredsPath), "device-id"))
		if err != nil {
			slog.Error("device id init failed", "error", err)
			os.Exit(1)
		}
	}

	a, err := agent.New(
		agent.Config{DeviceID: deviceID},
		agent.NewSimulatedBoard(),
		&agent.NMCLINetwork{Interface: cfg.WiFiInterface},
		&agent.FileCredentialStore{Path: cfg.CredsPath},
		&agent.MQTTSession{BrokerURL: cfg.MQTTBrokerURL, DeviceID: deviceID},
	)
	if err != nil {
		slog.Error("agent init failed", "error", err)
		os.Exit(1)
	}
	slog.Info("solar-agent starting", "device_id", deviceID, "code", a.Code())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup interface stays reachable in every state.
	setup := &http.Server{
		Addr:              ":" + cfg.SetupPort,
		Handler:           agent.NewSetupServer(a).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("setup interface listening", "addr", setup.Addr)
		if err := setup.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("setup server error", "error", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		if err := a.Run(ctx); err != nil {
			slog.Error("agent loop error", "error", err)
		}
		close(done)
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown requested")

	cancel()
	<-done
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = setup.Shutdown(shutdownCtx)
	slog.Info("solar-agent stopped")
}

// loadOrCreateDeviceID keeps the firmware-generated id stable across reboots.
func loadOrCreateDeviceID(path string) (string, error) {
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	}
	id := "solar-" + uuid.NewString()[:8]
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
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
