// Package mqtt wraps the paho client with the small surface the hub and the
// firmware agent need.
package mqtt

import (
	"crypto/tls"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Client struct {
	client mqtt.Client
}

type Message struct {
	mqtt.Message
}

func (m Message) Retained() bool { return m.Message.Retained() }

// Config carries everything needed to open a session. WillTopic is optional;
// when set, the broker publishes WillPayload (retained) if the session dies
// without a clean disconnect.
type Config struct {
	BrokerURL   string
	ClientID    string
	WillTopic   string
	WillPayload []byte
	OnConnect   func()
	OnLost      func(error)
}

func Connect(cfg Config) (*Client, error) {
	opts := mqtt.NewClientOptions()
	url := strings.TrimSpace(cfg.BrokerURL)
	if url == "" {
		url = "mqtt://mosquitto:1883"
	}
	if strings.HasPrefix(url, "mqtt://") {
		url = "tcp://" + strings.TrimPrefix(url, "mqtt://")
	}
	opts.AddBroker(url)
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = "solar-hub-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	// If a TLS broker is used in the future, tighten this.
	opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	if cfg.WillTopic != "" {
		opts.SetBinaryWill(cfg.WillTopic, cfg.WillPayload, 1, true)
	}

	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected", "client_id", clientID)
		if cfg.OnConnect != nil {
			cfg.OnConnect()
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
		if cfg.OnLost != nil {
			cfg.OnLost(err)
		}
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, tok.Error()
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

func (c *Client) Subscribe(topic string, handler func(Message)) error {
	tok := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(Message{Message: msg})
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		return err
	}
	slog.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (c *Client) Publish(topic string, payload []byte) error {
	return c.publish(topic, payload, false)
}

func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.publish(topic, payload, true)
}

func (c *Client) publish(topic string, payload []byte, retain bool) error {
	tok := c.client.Publish(topic, 1, retain, payload)
	tok.Wait()
	return tok.Error()
}

func (c *Client) Connected() bool {
	return c != nil && c.client != nil && c.client.IsConnectionOpen()
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}
