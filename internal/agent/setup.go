package agent

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SetupServer is the local setup interface served on the device's access
// point. It stays reachable in every state so a mis-provisioned device can
// always be fixed.
type SetupServer struct {
	agent *Agent
}

func NewSetupServer(a *Agent) *SetupServer {
	return &SetupServer{agent: a}
}

func (s *SetupServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/status", s.handleStatus)
	r.Post("/api/setup", s.handleSetup)
	return r
}

type setupStatus struct {
	DeviceID         string `json:"device_id"`
	State            string `json:"state"`
	ConfirmationCode string `json:"confirmation_code"`
}

func (s *SetupServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, setupStatus{
		DeviceID:         s.agent.cfg.DeviceID,
		State:            s.agent.State().String(),
		ConfirmationCode: s.agent.Code(),
	})
}

func (s *SetupServer) handleSetup(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if creds.SSID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ssid is required"})
		return
	}
	s.agent.SubmitCredentials(creds)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "applying"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
