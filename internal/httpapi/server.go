// Package httpapi is the REST surface the request layer consumes: pairing,
// sharing, device listing and command publish. The upstream layer
// authenticates callers and forwards their external identity in X-User-ID.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"solar-hub/internal/codec"
	"solar-hub/internal/presence"
	"solar-hub/internal/store"
)

// Publisher publishes command payloads to the bus. Satisfied by mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Server struct {
	repo    *store.Repo
	tracker *presence.Tracker
	bus     Publisher
	ws      http.Handler
}

func NewServer(repo *store.Repo, tracker *presence.Tracker, bus Publisher, ws http.Handler) *Server {
	return &Server{repo: repo, tracker: tracker, bus: bus, ws: ws}
}

func (s *Server) Register(mux *http.ServeMux, metrics http.Handler) {
	r := chi.NewRouter()

	if s.ws != nil {
		r.Get("/ws", s.ws.ServeHTTP)
	}
	if metrics != nil {
		r.Get("/metrics", metrics.ServeHTTP)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })

	r.Get("/api/devices", s.handleDevicesList)
	r.Post("/api/pair", s.handlePair)
	r.Post("/api/devices/{device_id}/share", s.handleShare)
	r.Delete("/api/devices/{device_id}", s.handleUnpair)
	r.Post("/api/devices/{device_id}/command", s.handleCommand)

	mux.Handle("/", r)
}

// DeviceWithPresence joins the durable device view with the live presence
// record for that device.
type DeviceWithPresence struct {
	store.DeviceView
	Presence presence.Record `json:"presence"`
}

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	callerID, ok := callerID(w, r)
	if !ok {
		return
	}
	views, err := s.repo.GetDevicesFor(r.Context(), callerID)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]DeviceWithPresence, 0, len(views))
	for _, v := range views {
		out = append(out, DeviceWithPresence{DeviceView: v, Presence: s.tracker.Get(v.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

type pairRequest struct {
	DeviceID string `json:"device_id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	UserName string `json:"user_name"`
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	callerID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonErr{Error: "invalid json", Code: http.StatusBadRequest})
		return
	}
	if req.DeviceID == "" || req.Code == "" {
		writeJSON(w, http.StatusBadRequest, jsonErr{Error: "device_id and code are required", Code: http.StatusBadRequest})
		return
	}
	view, err := s.repo.Pair(r.Context(), callerID, req.UserName, req.DeviceID, req.Code, req.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("device paired", "device_id", view.ID, "user", callerID, "owner", view.IsOwner)
	writeJSON(w, http.StatusOK, DeviceWithPresence{DeviceView: view, Presence: s.tracker.Get(view.ID)})
}

type shareRequest struct {
	UserID int64 `json:"user_id"`
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	callerID, ok := callerID(w, r)
	if !ok {
		return
	}
	deviceID := chi.URLParam(r, "device_id")
	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonErr{Error: "invalid json", Code: http.StatusBadRequest})
		return
	}
	if req.UserID == 0 {
		writeJSON(w, http.StatusBadRequest, jsonErr{Error: "user_id is required", Code: http.StatusBadRequest})
		return
	}
	if err := s.repo.Share(r.Context(), callerID, deviceID, req.UserID); err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("device shared", "device_id", deviceID, "owner", callerID, "target", req.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnpair(w http.ResponseWriter, r *http.Request) {
	callerID, ok := callerID(w, r)
	if !ok {
		return
	}
	deviceID := chi.URLParam(r, "device_id")
	if err := s.repo.Unpair(r.Context(), callerID, deviceID); err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("device unpaired", "device_id", deviceID, "user", callerID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	callerID, ok := callerID(w, r)
	if !ok {
		return
	}
	deviceID := chi.URLParam(r, "device_id")
	hasAccess, err := s.repo.HasAccess(r.Context(), callerID, deviceID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !hasAccess {
		writeJSON(w, http.StatusNotFound, jsonErr{Error: store.ErrNotFound.Error(), Code: http.StatusNotFound})
		return
	}

	var cmd codec.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonErr{Error: "invalid json", Code: http.StatusBadRequest})
		return
	}
	if cmd.Command == "" {
		writeJSON(w, http.StatusBadRequest, jsonErr{Error: "command is required", Code: http.StatusBadRequest})
		return
	}
	payload, err := codec.EncodeCommand(cmd)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonErr{Error: err.Error(), Code: http.StatusBadRequest})
		return
	}
	if err := s.bus.Publish(codec.CommandTopic(deviceID), payload); err != nil {
		slog.Error("command publish failed", "device_id", deviceID, "error", err)
		writeJSON(w, http.StatusBadGateway, jsonErr{Error: "bus publish failed", Code: http.StatusBadGateway})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"device_id": deviceID, "command": cmd.Command, "at": time.Now().UTC()})
}

func callerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		writeJSON(w, http.StatusUnauthorized, jsonErr{Error: "missing identity", Code: http.StatusUnauthorized})
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, jsonErr{Error: "invalid identity", Code: http.StatusUnauthorized})
		return 0, false
	}
	return id, true
}

type jsonErr struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrInvalidCode):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyLinked):
		status = http.StatusConflict
	case errors.Is(err, store.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, jsonErr{Error: err.Error(), Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
