// Package codec translates between bus topics/payloads and typed messages.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Namespace is the topic prefix shared by every device in the fleet.
const Namespace = "solar"

// Topic kinds under solar/<device_id>/.
const (
	KindStatus  = "status"
	KindOnline  = "online"
	KindCommand = "command"
)

// Supported command verbs for EncodeCommand / the firmware agent.
const (
	CommandRelay     = "relay"
	CommandGetStatus = "getStatus"
	CommandRestart   = "restart"
)

var (
	ErrNotOurTopic = errors.New("topic outside namespace")
	ErrUnknownKind = errors.New("unknown topic kind")
)

// Message is a decoded bus message. The set of implementations is closed:
// Status and Online only.
type Message interface {
	Device() string
}

// Status is the periodic telemetry a device publishes on solar/<id>/status.
type Status struct {
	DeviceID         string `json:"-"`
	RelayState       bool   `json:"relayState"`
	WiFiRSSI         int    `json:"wifiRSSI"`
	Uptime           int64  `json:"uptime"`
	FreeHeap         int64  `json:"freeHeap"`
	ConfirmationCode string `json:"confirmationCode,omitempty"`
}

func (s Status) Device() string { return s.DeviceID }

// Online is the retained liveness flag on solar/<id>/online. The payload is
// the literal bytes "true" or "false", not a JSON object.
type Online struct {
	DeviceID string
	Online   bool
}

func (o Online) Device() string { return o.DeviceID }

// Command is the backend→device payload on solar/<id>/command.
type Command struct {
	Command string `json:"command"`
	State   *bool  `json:"state,omitempty"`
}

// Decode classifies a bus message by topic shape and parses its payload.
// Malformed payloads and unknown kinds return an error; callers are expected
// to log and drop, never abort.
func Decode(topic string, payload []byte) (Message, error) {
	deviceID, kind, err := splitTopic(topic)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindStatus:
		var s Status
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, fmt.Errorf("status payload for %s: %w", deviceID, err)
		}
		s.DeviceID = deviceID
		return s, nil
	case KindOnline:
		switch strings.TrimSpace(string(payload)) {
		case "true":
			return Online{DeviceID: deviceID, Online: true}, nil
		case "false":
			return Online{DeviceID: deviceID, Online: false}, nil
		default:
			return nil, fmt.Errorf("online payload for %s: %q", deviceID, payload)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// EncodeCommand marshals a command payload. Command semantics are the
// firmware's concern; nothing is validated here.
func EncodeCommand(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

// EncodeStatus marshals a status payload for publish by the firmware agent.
func EncodeStatus(s Status) ([]byte, error) {
	return json.Marshal(s)
}

func StatusTopic(deviceID string) string  { return Namespace + "/" + deviceID + "/" + KindStatus }
func OnlineTopic(deviceID string) string  { return Namespace + "/" + deviceID + "/" + KindOnline }
func CommandTopic(deviceID string) string { return Namespace + "/" + deviceID + "/" + KindCommand }

// Subscription filters for the two device→backend kinds. Command topics are
// backend→device and deliberately not matched.
func StatusFilter() string { return Namespace + "/+/" + KindStatus }
func OnlineFilter() string { return Namespace + "/+/" + KindOnline }

func splitTopic(topic string) (deviceID, kind string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != Namespace {
		return "", "", fmt.Errorf("%w: %s", ErrNotOurTopic, topic)
	}
	if parts[1] == "" {
		return "", "", fmt.Errorf("empty device id in topic %s", topic)
	}
	return parts[1], parts[2], nil
}
