package publish

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"flashcharge/backend/services/charging-service/internal/telemetry"
)

const publishTimeout = 5 * time.Second

// Options configure the MQTT bridge.
type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher mirrors snapshots to retained per-charger state topics.
// A snapshot identical to the last one published for a charger is skipped.
type MQTTPublisher struct {
	client publisher
	prefix string
	logger *zap.Logger

	mu   sync.Mutex
	last map[string][]byte
}

// NewMQTTPublisher connects to the broker. Supported schemes are mqtt, mqtts, ws and wss.
func NewMQTTPublisher(opts Options, logger *zap.Logger) (*MQTTPublisher, mqtt.Client, error) {
	broker, secure, err := brokerURL(opts.BrokerURL)
	if err != nil {
		return nil, nil, err
	}
	parsed, _ := url.Parse(opts.BrokerURL)

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetCleanSession(true)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetKeepAlive(60 * time.Second)
	clientOpts.SetConnectTimeout(5 * time.Second)
	clientOpts.SetMaxReconnectInterval(10 * time.Second)
	if secure {
		clientOpts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if parsed.User != nil {
		clientOpts.SetUsername(parsed.User.Username())
		password, _ := parsed.User.Password()
		clientOpts.SetPassword(password)
	}
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})
	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", redact(opts.BrokerURL)))
	})

	client := mqtt.NewClient(clientOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, nil, fmt.Errorf("connect mqtt broker: %w", token.Error())
	}
	return newPublisher(client, opts.TopicPrefix, logger), client, nil
}

func newPublisher(client publisher, prefix string, logger *zap.Logger) *MQTTPublisher {
	if prefix == "" {
		prefix = "flashcharge"
	}
	return &MQTTPublisher{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger,
		last:   make(map[string][]byte),
	}
}

// Topic returns the state topic of a charger.
func (p *MQTTPublisher) Topic(chargerID string) string {
	return p.prefix + "/" + topicSegment(chargerID) + "/state"
}

// Publish sends snap as a retained message at QoS 1.
func (p *MQTTPublisher) Publish(ctx context.Context, snap telemetry.Snapshot) error {
	snap.ResolvedAt = time.Time{}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	p.mu.Lock()
	unchanged := bytes.Equal(p.last[snap.ChargePointID], payload)
	p.mu.Unlock()
	if unchanged {
		return nil
	}

	topic := p.Topic(snap.ChargePointID)
	token := p.client.Publish(topic, 1, true, payload)
	timeout := publishTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to %s timed out after %s", topic, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.mu.Lock()
	p.last[snap.ChargePointID] = payload
	p.mu.Unlock()
	p.logger.Debug("published snapshot", zap.String("topic", topic), zap.Int("size", len(payload)))
	return nil
}

func brokerURL(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("invalid mqtt url: %w", err)
	}
	switch parsed.Scheme {
	case "ws":
		return raw, false, nil
	case "wss":
		return raw, true, nil
	case "mqtt", "tcp":
		return strings.Replace(raw, parsed.Scheme+"://", "tcp://", 1), false, nil
	case "mqtts", "ssl":
		return strings.Replace(raw, parsed.Scheme+"://", "ssl://", 1), true, nil
	}
	return "", false, fmt.Errorf("unsupported mqtt scheme %q", parsed.Scheme)
}

func topicSegment(s string) string {
	r := strings.NewReplacer(" ", "_", "+", "plus", "#", "hash", "/", "_")
	return r.Replace(s)
}

func redact(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if parsed.User != nil {
		parsed.User = url.UserPassword("***", "***")
	}
	return parsed.String()
}
