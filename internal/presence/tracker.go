// Package presence keeps the in-memory online/offline view of the fleet,
// derived from telemetry recency. Nothing here touches durable storage.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Timeout is how long a device may stay silent before it is flipped offline.
// The firmware publishes every 10s, so one missed beat is tolerated.
const Timeout = 30 * time.Second

// SweepEvery is the cadence of the background sweep.
const SweepEvery = 5 * time.Second

// Record is the last known state of one device. The zero value is a device
// that has never reported: offline, no telemetry.
type Record struct {
	Online     bool      `json:"online"`
	LastSeen   time.Time `json:"last_seen"`
	RelayState bool      `json:"relay_state"`
	WiFiRSSI   int       `json:"wifi_rssi"`
	Uptime     int64     `json:"uptime"`
	FreeHeap   int64     `json:"free_heap"`
}

// Telemetry is the field set carried by one status message.
type Telemetry struct {
	RelayState bool
	WiFiRSSI   int
	Uptime     int64
	FreeHeap   int64
}

// Tracker is an injectable presence map. Mutations are serialized under one
// lock; readers see either the pre- or post-update record, never a torn one.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewTracker() *Tracker {
	return &Tracker{records: map[string]Record{}}
}

// RecordStatus upserts the record for one status message: telemetry fields
// are replaced wholesale, the device is marked online and last-seen now.
func (t *Tracker) RecordStatus(deviceID string, tel Telemetry, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.records[deviceID]
	r.Online = true
	r.LastSeen = now
	r.RelayState = tel.RelayState
	r.WiFiRSSI = tel.WiFiRSSI
	r.Uptime = tel.Uptime
	r.FreeHeap = tel.FreeHeap
	t.records[deviceID] = r
}

// RecordOnline upserts only the online flag and last-seen time, leaving any
// previously reported telemetry intact.
func (t *Tracker) RecordOnline(deviceID string, online bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.records[deviceID]
	r.Online = online
	r.LastSeen = now
	t.records[deviceID] = r
}

// Get returns the last known record, or a zero (offline) record for devices
// that have never reported. Callers never fail on an unknown id.
func (t *Tracker) Get(deviceID string) Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[deviceID]
}

// Sweep flips online→false for every record silent longer than timeout and
// returns the ids it flipped. Idempotent: a second sweep with the same clock
// flips nothing.
func (t *Tracker) Sweep(now time.Time, timeout time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var flipped []string
	for id, r := range t.records {
		if r.Online && now.Sub(r.LastSeen) > timeout {
			r.Online = false
			t.records[id] = r
			flipped = append(flipped, id)
		}
	}
	return flipped
}

// RunSweeper periodically sweeps until ctx is cancelled. onOffline, if
// non-nil, is invoked for each device flipped offline.
func (t *Tracker) RunSweeper(ctx context.Context, every, timeout time.Duration, onOffline func(deviceID string)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range t.Sweep(now, timeout) {
				slog.Info("device presence timed out", "device_id", id, "timeout", timeout)
				if onOffline != nil {
					onOffline(id)
				}
			}
		}
	}
}
