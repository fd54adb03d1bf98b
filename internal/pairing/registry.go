// Package pairing holds the ephemeral confirmation codes devices advertise to
// prove physical possession. Codes live only as long as the process; the
// device republishes its code in every status message, so the registry
// self-refreshes while the device is online.
package pairing

import "sync"

// Registry maps device id → most recently advertised code. Last write wins:
// a device that restarts and regenerates its code invalidates whatever was
// displayed before.
type Registry struct {
	mu    sync.RWMutex
	codes map[string]string
}

func NewRegistry() *Registry {
	return &Registry{codes: map[string]string{}}
}

// Advertise overwrites the stored code for the device unconditionally.
func (r *Registry) Advertise(deviceID, code string) {
	r.mu.Lock()
	r.codes[deviceID] = code
	r.mu.Unlock()
}

// Matches reports whether candidate equals the currently advertised code.
// Unknown devices and empty advertised codes never match.
func (r *Registry) Matches(deviceID, candidate string) bool {
	r.mu.RLock()
	code, ok := r.codes[deviceID]
	r.mu.RUnlock()
	return ok && code != "" && code == candidate
}
