// Package agent is the device-side mirror of the backend: WiFi provisioning,
// a bus session with rate-limited reconnect, periodic telemetry and command
// handling. Everything runs on one cooperative loop; every step returns
// promptly so no concern starves another.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"solar-hub/internal/codec"
)

type State int

const (
	StateProvisioning State = iota
	StateConnecting
	StateOnline
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Credentials are the stored network credentials.
type Credentials struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// CredentialStore persists credentials across reboots.
type CredentialStore interface {
	Load() (Credentials, bool, error)
	Save(Credentials) error
}

// Network associates with the local WiFi. Join blocks for one attempt only;
// the retry budget lives in the agent.
type Network interface {
	Join(ctx context.Context, creds Credentials) error
}

// Board abstracts the controller hardware: relay output, liveness LED and
// the telemetry sources.
type Board interface {
	SetRelay(on bool)
	Relay() bool
	ToggleLED()
	RSSI() int
	Uptime() time.Duration
	FreeHeap() int64
	Restart()
}

// Session is the bus connection keyed by the device's own id. Connect wires
// inbound commands to the given callback.
type Session interface {
	Connect(ctx context.Context, onCommand func(codec.Command)) error
	Connected() bool
	Publish(topic string, payload []byte) error
	PublishRetained(topic string, payload []byte) error
	Close()
}

// Config carries the loop cadences. Zero values fall back to the firmware
// defaults.
type Config struct {
	DeviceID          string
	TelemetryEvery    time.Duration // status publish cadence
	BlinkEvery        time.Duration // liveness LED toggle
	ReconnectCooldown time.Duration // wait between session reconnect attempts
	JoinAttempts      int           // WiFi association budget per credential set
	JoinDelay         time.Duration // wait between association attempts
	JoinTimeout       time.Duration // bound on one association attempt
	Tick              time.Duration // loop granularity
}

func (c *Config) applyDefaults() {
	if c.TelemetryEvery <= 0 {
		c.TelemetryEvery = 10 * time.Second
	}
	if c.BlinkEvery <= 0 {
		c.BlinkEvery = time.Second
	}
	if c.ReconnectCooldown <= 0 {
		c.ReconnectCooldown = 5 * time.Second
	}
	if c.JoinAttempts <= 0 {
		c.JoinAttempts = 5
	}
	if c.JoinDelay <= 0 {
		c.JoinDelay = 2 * time.Second
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 15 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
}

type Agent struct {
	cfg     Config
	board   Board
	net     Network
	creds   CredentialStore
	session Session
	code    string

	credCh chan Credentials
	cmdCh  chan codec.Command

	mu    sync.RWMutex
	state State

	current       Credentials
	joinsLeft     int
	nextJoinAt    time.Time
	retryAt       time.Time
	nextTelemetry time.Time
	nextBlink     time.Time
}

func New(cfg Config, board Board, net Network, creds CredentialStore, session Session) (*Agent, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	cfg.applyDefaults()
	return &Agent{
		cfg:     cfg,
		board:   board,
		net:     net,
		creds:   creds,
		session: session,
		code:    NewCode(),
		credCh:  make(chan Credentials, 1),
		cmdCh:   make(chan codec.Command, 8),
		state:   StateProvisioning,
	}, nil
}

// NewCode returns a fresh 6-digit confirmation code. Regenerated on every
// boot, so a stale displayed code can never pair the device.
func NewCode() string {
	return fmt.Sprintf("%06d", rand.Intn(1000000))
}

// Code is the confirmation code currently advertised in telemetry.
func (a *Agent) Code() string { return a.code }

// State is safe to call from the setup interface while the loop runs.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev != s {
		slog.Info("agent state", "from", prev.String(), "to", s.String())
	}
}

// SubmitCredentials hands new credentials from the setup interface to the
// loop. Non-blocking; a second submission before the first is consumed
// replaces it.
func (a *Agent) SubmitCredentials(creds Credentials) {
	for {
		select {
		case a.credCh <- creds:
			return
		default:
			select {
			case <-a.credCh:
			default:
			}
		}
	}
}

// Run drives the state machine until ctx is cancelled. On shutdown the
// session publishes a retained offline flag and closes cleanly.
func (a *Agent) Run(ctx context.Context) error {
	if creds, ok, err := a.creds.Load(); err != nil {
		slog.Warn("credential load failed", "error", err)
	} else if ok {
		a.current = creds
		a.enterConnecting(time.Now())
	}

	ticker := time.NewTicker(a.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if a.session.Connected() {
				_ = a.session.PublishRetained(codec.OnlineTopic(a.cfg.DeviceID), []byte("false"))
			}
			a.session.Close()
			return nil

		case creds := <-a.credCh:
			if err := a.creds.Save(creds); err != nil {
				slog.Error("credential save failed", "error", err)
				continue
			}
			a.current = creds
			a.enterConnecting(time.Now())

		case cmd := <-a.cmdCh:
			a.handleCommand(cmd)

		case now := <-ticker.C:
			a.step(ctx, now)
		}
	}
}

func (a *Agent) enterConnecting(now time.Time) {
	a.joinsLeft = a.cfg.JoinAttempts
	a.nextJoinAt = now
	a.setState(StateConnecting)
}

// step runs one due-time check. Called from the loop only.
func (a *Agent) step(ctx context.Context, now time.Time) {
	switch a.State() {
	case StateProvisioning:
		// The access point and setup interface stay up; nothing to do
		// until credentials arrive.

	case StateConnecting:
		if now.Before(a.nextJoinAt) {
			return
		}
		joinCtx, cancel := context.WithTimeout(ctx, a.cfg.JoinTimeout)
		err := a.net.Join(joinCtx, a.current)
		cancel()
		if err != nil {
			a.joinsLeft--
			slog.Warn("wifi join failed", "ssid", a.current.SSID, "attempts_left", a.joinsLeft, "error", err)
			if a.joinsLeft <= 0 {
				// Out of budget; wait for fresh credentials. The
				// access point is still reachable.
				a.setState(StateProvisioning)
				return
			}
			a.nextJoinAt = now.Add(a.cfg.JoinDelay)
			return
		}
		a.openSession(ctx, now)

	case StateOnline:
		if !a.session.Connected() {
			a.retryAt = now.Add(a.cfg.ReconnectCooldown)
			a.setState(StateReconnecting)
			return
		}
		if !now.Before(a.nextTelemetry) {
			a.publishStatus(now)
		}
		if !now.Before(a.nextBlink) {
			a.board.ToggleLED()
			a.nextBlink = now.Add(a.cfg.BlinkEvery)
		}

	case StateReconnecting:
		if now.Before(a.retryAt) {
			return
		}
		a.openSession(ctx, now)
	}
}

func (a *Agent) openSession(ctx context.Context, now time.Time) {
	err := a.session.Connect(ctx, func(cmd codec.Command) {
		select {
		case a.cmdCh <- cmd:
		default:
			slog.Warn("command dropped, queue full", "command", cmd.Command)
		}
	})
	if err != nil {
		slog.Warn("bus connect failed", "error", err)
		a.retryAt = now.Add(a.cfg.ReconnectCooldown)
		a.setState(StateReconnecting)
		return
	}
	_ = a.session.PublishRetained(codec.OnlineTopic(a.cfg.DeviceID), []byte("true"))
	a.nextBlink = now
	a.setState(StateOnline)
	a.publishStatus(now)
}

func (a *Agent) handleCommand(cmd codec.Command) {
	switch cmd.Command {
	case codec.CommandRelay:
		if cmd.State == nil {
			slog.Warn("relay command without state")
			return
		}
		a.board.SetRelay(*cmd.State)
		a.publishStatus(time.Now())
	case codec.CommandGetStatus:
		a.publishStatus(time.Now())
	case codec.CommandRestart:
		slog.Info("restart requested")
		a.board.Restart()
	default:
		slog.Warn("unknown command", "command", cmd.Command)
	}
}

func (a *Agent) publishStatus(now time.Time) {
	status := codec.Status{
		DeviceID:         a.cfg.DeviceID,
		RelayState:       a.board.Relay(),
		WiFiRSSI:         a.board.RSSI(),
		Uptime:           int64(a.board.Uptime() / time.Second),
		FreeHeap:         a.board.FreeHeap(),
		ConfirmationCode: a.code,
	}
	payload, err := codec.EncodeStatus(status)
	if err != nil {
		slog.Error("status encode failed", "error", err)
		return
	}
	if err := a.session.Publish(codec.StatusTopic(a.cfg.DeviceID), payload); err != nil {
		slog.Warn("status publish failed", "error", err)
		return
	}
	a.nextTelemetry = now.Add(a.cfg.TelemetryEvery)
}
