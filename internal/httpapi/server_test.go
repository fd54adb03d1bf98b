package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"solar-hub/internal/pairing"
	"solar-hub/internal/presence"
	"solar-hub/internal/store"
)

type fakeBus struct {
	published map[string][]byte
}

func (b *fakeBus) Publish(topic string, payload []byte) error {
	if b.published == nil {
		b.published = map[string][]byte{}
	}
	b.published[topic] = payload
	return nil
}

func newTestServer(t *testing.T) (*http.ServeMux, *pairing.Registry, *presence.Tracker, *fakeBus) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	registry := pairing.NewRegistry()
	repo, err := store.New(db, registry)
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}
	tracker := presence.NewTracker()
	bus := &fakeBus{}
	mux := http.NewServeMux()
	NewServer(repo, tracker, bus, nil).Register(mux, nil)
	return mux, registry, tracker, bus
}

func do(t *testing.T, mux *http.ServeMux, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestPairingFlow(t *testing.T) {
	mux, registry, tracker, _ := newTestServer(t)
	registry.Advertise("D1", "482913")
	tracker.RecordStatus("D1", presence.Telemetry{WiFiRSSI: -60}, time.Now())

	// Wrong code is user-correctable.
	rr := do(t, mux, http.MethodPost, "/api/pair", "1", `{"device_id":"D1","code":"482910"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("wrong code: got %d want %d (%s)", rr.Code, http.StatusBadRequest, rr.Body.String())
	}

	// Correct code creates the device and grants ownership.
	rr = do(t, mux, http.MethodPost, "/api/pair", "1", `{"device_id":"D1","code":"482913","name":"Pump"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("pair: got %d (%s)", rr.Code, rr.Body.String())
	}
	var got DeviceWithPresence
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("response not json: %v", err)
	}
	if !got.IsOwner || got.ID != "D1" || got.Name != "Pump" {
		t.Fatalf("unexpected pair result: %+v", got)
	}
	if !got.Presence.Online {
		t.Fatalf("presence must be merged into the response")
	}

	// Second claimant with the same code gets non-owner access.
	rr = do(t, mux, http.MethodPost, "/api/pair", "2", `{"device_id":"D1","code":"482913"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("second pair: got %d (%s)", rr.Code, rr.Body.String())
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("response not json: %v", err)
	}
	if got.IsOwner {
		t.Fatalf("second claimant must not be owner")
	}

	// A non-owner cannot share.
	rr = do(t, mux, http.MethodPost, "/api/devices/D1/share", "2", `{"user_id":3}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-owner share: got %d want %d", rr.Code, http.StatusForbidden)
	}

	// The owner can.
	rr = do(t, mux, http.MethodPost, "/api/devices/D1/share", "1", `{"user_id":3}`)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("owner share: got %d (%s)", rr.Code, rr.Body.String())
	}

	// Duplicate edge conflicts.
	rr = do(t, mux, http.MethodPost, "/api/devices/D1/share", "1", `{"user_id":3}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate share: got %d want %d", rr.Code, http.StatusConflict)
	}
}

func TestDevicesListRequiresIdentity(t *testing.T) {
	mux, _, _, _ := newTestServer(t)

	rr := do(t, mux, http.MethodGet, "/api/devices", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing header: got %d want %d", rr.Code, http.StatusUnauthorized)
	}
	rr = do(t, mux, http.MethodGet, "/api/devices", "not-a-number", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("junk header: got %d want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestDevicesListEmptyForNewUser(t *testing.T) {
	mux, _, _, _ := newTestServer(t)

	rr := do(t, mux, http.MethodGet, "/api/devices", "77", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: got %d", rr.Code)
	}
	var got []DeviceWithPresence
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("response not json: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty list, got %v", got)
	}
}

func TestUnpairRemovesAccess(t *testing.T) {
	mux, registry, _, _ := newTestServer(t)
	registry.Advertise("D1", "111222")

	if rr := do(t, mux, http.MethodPost, "/api/pair", "1", `{"device_id":"D1","code":"111222"}`); rr.Code != http.StatusOK {
		t.Fatalf("pair: %d", rr.Code)
	}
	if rr := do(t, mux, http.MethodDelete, "/api/devices/D1", "1", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("unpair: %d", rr.Code)
	}
	if rr := do(t, mux, http.MethodDelete, "/api/devices/D1", "1", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("second unpair: got %d want %d", rr.Code, http.StatusNotFound)
	}
}

func TestCommandPublishesToBus(t *testing.T) {
	mux, registry, _, bus := newTestServer(t)
	registry.Advertise("D1", "111222")
	if rr := do(t, mux, http.MethodPost, "/api/pair", "1", `{"device_id":"D1","code":"111222"}`); rr.Code != http.StatusOK {
		t.Fatalf("pair: %d", rr.Code)
	}

	rr := do(t, mux, http.MethodPost, "/api/devices/D1/command", "1", `{"command":"relay","state":true}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("command: got %d (%s)", rr.Code, rr.Body.String())
	}
	payload, ok := bus.published["solar/D1/command"]
	if !ok {
		t.Fatalf("nothing published: %v", bus.published)
	}
	if string(payload) != `{"command":"relay","state":true}` {
		t.Fatalf("unexpected payload: %s", payload)
	}

	// A user with no edge for the device cannot command it.
	rr = do(t, mux, http.MethodPost, "/api/devices/D1/command", "99", `{"command":"restart"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("stranger command: got %d want %d", rr.Code, http.StatusNotFound)
	}
}
