// Package router dispatches inbound bus messages to the presence tracker,
// the confirmation registry and the history sink. One malformed message never
// stops the loop; failures are logged and dropped.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"solar-hub/internal/codec"
	"solar-hub/internal/mqtt"
	"solar-hub/internal/presence"
)

var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solarhub_bus_messages_total",
			Help: "Bus messages processed, by decoded kind.",
		},
		[]string{"kind"},
	)
	decodeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "solarhub_bus_decode_failures_total",
			Help: "Bus messages dropped because they failed to decode.",
		},
	)
	samplesStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solarhub_history_samples_total",
			Help: "History sink outcomes for status messages.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(messagesTotal, decodeFailures, samplesStored)
}

// SampleSink persists telemetry for devices that are already paired.
// Satisfied by store.Repo.
type SampleSink interface {
	StoreSample(ctx context.Context, deviceID string, payload []byte, ts time.Time) (bool, error)
}

// Advertiser records the confirmation code a device currently displays.
// Satisfied by pairing.Registry.
type Advertiser interface {
	Advertise(deviceID, code string)
}

// Broadcaster is notified of online/offline transitions. Satisfied by
// realtime.Hub.
type Broadcaster interface {
	Presence(deviceID string, online bool)
}

type Router struct {
	tracker *presence.Tracker
	codes   Advertiser
	sink    SampleSink
	hub     Broadcaster
}

func New(tracker *presence.Tracker, codes Advertiser, sink SampleSink, hub Broadcaster) *Router {
	return &Router{tracker: tracker, codes: codes, sink: sink, hub: hub}
}

// Start subscribes to the device→backend topics in the namespace.
func (r *Router) Start(ctx context.Context, mq *mqtt.Client) error {
	handler := func(msg mqtt.Message) {
		r.Handle(ctx, msg.Topic(), msg.Payload(), time.Now().UTC())
	}
	if err := mq.Subscribe(codec.StatusFilter(), handler); err != nil {
		return err
	}
	return mq.Subscribe(codec.OnlineFilter(), handler)
}

// Handle processes one bus message. Decode and sink failures are absorbed
// here so a bad packet never halts presence tracking for other devices.
func (r *Router) Handle(ctx context.Context, topic string, payload []byte, now time.Time) {
	msg, err := codec.Decode(topic, payload)
	if err != nil {
		decodeFailures.Inc()
		slog.Warn("bus message dropped", "topic", topic, "error", err)
		return
	}

	switch m := msg.(type) {
	case codec.Status:
		messagesTotal.WithLabelValues(codec.KindStatus).Inc()
		wasOnline := r.tracker.Get(m.DeviceID).Online
		r.tracker.RecordStatus(m.DeviceID, presence.Telemetry{
			RelayState: m.RelayState,
			WiFiRSSI:   m.WiFiRSSI,
			Uptime:     m.Uptime,
			FreeHeap:   m.FreeHeap,
		}, now)
		if m.ConfirmationCode != "" {
			r.codes.Advertise(m.DeviceID, m.ConfirmationCode)
		}
		if !wasOnline && r.hub != nil {
			r.hub.Presence(m.DeviceID, true)
		}
		r.storeSample(ctx, m, now)

	case codec.Online:
		messagesTotal.WithLabelValues(codec.KindOnline).Inc()
		wasOnline := r.tracker.Get(m.DeviceID).Online
		r.tracker.RecordOnline(m.DeviceID, m.Online, now)
		if wasOnline != m.Online && r.hub != nil {
			r.hub.Presence(m.DeviceID, m.Online)
		}
	}
}

func (r *Router) storeSample(ctx context.Context, m codec.Status, now time.Time) {
	if r.sink == nil {
		return
	}
	// History keeps the telemetry fields only, never the confirmation code.
	m.ConfirmationCode = ""
	payload, err := codec.EncodeStatus(m)
	if err != nil {
		slog.Error("sample encode failed", "device_id", m.DeviceID, "error", err)
		return
	}
	stored, err := r.sink.StoreSample(ctx, m.DeviceID, payload, now)
	switch {
	case err != nil:
		samplesStored.WithLabelValues("error").Inc()
		slog.Error("history sink failed", "device_id", m.DeviceID, "error", err)
	case stored:
		samplesStored.WithLabelValues("stored").Inc()
	default:
		// Telemetry from a device nobody has paired yet.
		samplesStored.WithLabelValues("unpaired").Inc()
	}
}
