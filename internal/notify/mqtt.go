package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"draftline.io/internal/auth"
	"draftline.io/internal/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesceMS   = 250
	maxQoS                = 2
)

// ErrPublishTimeout is returned when the broker does not acknowledge in time.
var ErrPublishTimeout = errors.New("notify: publish timed out")

// publisher is the part of the paho client the notifier needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// MQTTNotifier publishes events as JSON to <prefix>/security/<event>.
type MQTTNotifier struct {
	client  publisher
	closer  func()
	prefix  string
	qos     byte
	timeout time.Duration
}

// DialMQTT connects to the configured broker.
func DialMQTT(cfg config.MQTTConfig) (*MQTTNotifier, error) {
	if cfg.QoS < 0 || cfg.QoS > maxQoS {
		return nil, fmt.Errorf("notify: invalid qos %d", cfg.QoS)
	}
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("notify: connect to %s: timeout after %v", cfg.Broker, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("notify: connect to %s: %w", cfg.Broker, err)
	}
	n := NewMQTTNotifier(client, cfg.TopicPrefix, byte(cfg.QoS))
	n.closer = func() { client.Disconnect(disconnectQuiesceMS) }
	return n, nil
}

// NewMQTTNotifier wraps an already connected client.
func NewMQTTNotifier(client publisher, prefix string, qos byte) *MQTTNotifier {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "draftline"
	}
	return &MQTTNotifier{client: client, prefix: prefix, qos: qos, timeout: defaultPublishTimeout}
}

// Topic returns the topic an event is published to.
func (n *MQTTNotifier) Topic(event string) string {
	return n.prefix + "/security/" + event
}

// Notify implements auth.Notifier.
func (n *MQTTNotifier) Notify(ctx context.Context, ev auth.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", ev.Name, err)
	}
	token := n.client.Publish(n.Topic(ev.Name), n.qos, false, payload)

	timeout := n.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: %s", ErrPublishTimeout, ev.Name)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", ev.Name, err)
	}
	return nil
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	if n.closer != nil {
		n.closer()
	}
}
