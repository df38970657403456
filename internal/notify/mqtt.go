// Package notify delivers out-of-band notifications (fired reminders,
// agent status) to an MQTT broker. Phones and dashboards subscribe to
// the topics; the agent itself never blocks on delivery.
package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/concierge-agent/concierge/internal/config"
)

// Notification is the payload published for a fired reminder or agent
// status change.
type Notification struct {
	Title string    `json:"title"`
	Body  string    `json:"body,omitempty"`
	Kind  string    `json:"kind"`
	At    time.Time `json:"at"`
}

// Notifier is the delivery interface the reminder scheduler depends
// on. The zero implementation is NopNotifier.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier discards notifications. Used when MQTT is not
// configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// MQTTNotifier publishes notifications to an MQTT broker with
// automatic reconnection.
type MQTTNotifier struct {
	cfg    config.NotifyConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewMQTT creates an MQTTNotifier but does not connect. Call Start to
// establish the connection.
func NewMQTT(cfg config.NotifyConfig, logger *slog.Logger) *MQTTNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTNotifier{cfg: cfg, logger: logger.With("component", "notify")}
}

// Start connects to the broker. The connection manager reconnects in
// the background for the lifetime of ctx; an initial connection
// failure is logged, not fatal.
func (m *MQTTNotifier) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.topic("availability"),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.BrokerURL)
			_, err := cm.Publish(ctx, &paho.Publish{
				Topic:   m.topic("availability"),
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			})
			if err != nil {
				m.logger.Warn("mqtt availability publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "concierge-" + m.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		m.logger.Warn("mqtt initial connection timed out, will retry", "error", err)
	}
	return nil
}

// Stop publishes an offline availability message and disconnects.
func (m *MQTTNotifier) Stop(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	_, _ = m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.topic("availability"),
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	})
	return m.cm.Disconnect(ctx)
}

// Notify publishes n to the notifications topic with QoS 1.
func (m *MQTTNotifier) Notify(ctx context.Context, n Notification) error {
	if m.cm == nil {
		return fmt.Errorf("mqtt notifier not started")
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = m.cm.Publish(ctx, &paho.Publish{
		Topic:   m.topic("notifications"),
		Payload: payload,
		QoS:     1,
	})
	if err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	m.logger.Debug("notification published", "kind", n.Kind, "title", n.Title)
	return nil
}

func (m *MQTTNotifier) topic(suffix string) string {
	prefix := m.cfg.TopicPrefix
	if prefix == "" {
		prefix = "concierge"
	}
	return prefix + "/" + suffix
}
