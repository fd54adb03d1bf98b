package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"solar-hub/internal/codec"
	"solar-hub/internal/mqtt"
)

var errNoSession = errors.New("bus session not open")

// MQTTSession is the production Session: a paho client keyed by the device
// id, with a retained last-will so the backend learns of an ungraceful death.
type MQTTSession struct {
	BrokerURL string
	DeviceID  string

	client *mqtt.Client
}

func (s *MQTTSession) Connect(_ context.Context, onCommand func(codec.Command)) error {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	client, err := mqtt.Connect(mqtt.Config{
		BrokerURL:   s.BrokerURL,
		ClientID:    s.DeviceID,
		WillTopic:   codec.OnlineTopic(s.DeviceID),
		WillPayload: []byte("false"),
	})
	if err != nil {
		return err
	}
	err = client.Subscribe(codec.CommandTopic(s.DeviceID), func(msg mqtt.Message) {
		var cmd codec.Command
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			slog.Warn("command payload dropped", "error", err)
			return
		}
		onCommand(cmd)
	})
	if err != nil {
		client.Close()
		return err
	}
	s.client = client
	return nil
}

func (s *MQTTSession) Connected() bool {
	return s.client.Connected()
}

func (s *MQTTSession) Publish(topic string, payload []byte) error {
	if s.client == nil {
		return errNoSession
	}
	return s.client.Publish(topic, payload)
}

func (s *MQTTSession) PublishRetained(topic string, payload []byte) error {
	if s.client == nil {
		return errNoSession
	}
	return s.client.PublishRetained(topic, payload)
}

func (s *MQTTSession) Close() {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}
