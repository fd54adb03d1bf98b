package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"
)

// FileCredentialStore persists credentials as JSON on the controller's
// filesystem.
type FileCredentialStore struct {
	Path string
}

func (s *FileCredentialStore) Load() (Credentials, bool, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, err
	}
	var creds Credentials
	if err := json.Unmarshal(b, &creds); err != nil {
		return Credentials{}, false, err
	}
	if creds.SSID == "" {
		return Credentials{}, false, nil
	}
	return creds, true, nil
}

func (s *FileCredentialStore) Save(creds Credentials) error {
	b, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path, b, 0o600)
}

// NMCLINetwork joins WiFi through NetworkManager, the usual arrangement on
// Pi-class controllers.
type NMCLINetwork struct {
	Interface string
}

func (n *NMCLINetwork) Join(ctx context.Context, creds Credentials) error {
	args := []string{"dev", "wifi", "connect", creds.SSID, "password", creds.Password}
	if n.Interface != "" {
		args = append(args, "ifname", n.Interface)
	}
	out, err := exec.CommandContext(ctx, "nmcli", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("nmcli: %w: %s", err, out)
	}
	return nil
}

// SimulatedBoard stands in for the controller hardware during development
// and in tests. Restart exits the process and relies on the supervisor to
// relaunch, matching what a reboot does on the real board.
type SimulatedBoard struct {
	mu      sync.Mutex
	relay   bool
	led     bool
	started time.Time
}

func NewSimulatedBoard() *SimulatedBoard {
	return &SimulatedBoard{started: time.Now()}
}

func (b *SimulatedBoard) SetRelay(on bool) {
	b.mu.Lock()
	b.relay = on
	b.mu.Unlock()
	slog.Info("relay set", "on", on)
}

func (b *SimulatedBoard) Relay() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.relay
}

func (b *SimulatedBoard) ToggleLED() {
	b.mu.Lock()
	b.led = !b.led
	b.mu.Unlock()
}

func (b *SimulatedBoard) RSSI() int { return -60 }

func (b *SimulatedBoard) Uptime() time.Duration { return time.Since(b.started) }

func (b *SimulatedBoard) FreeHeap() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapIdle)
}

func (b *SimulatedBoard) Restart() {
	slog.Info("simulated board restarting")
	os.Exit(0)
}
