// Package emitter publishes engine statistics to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nus-vv-streams/vvtk-sub001/internal/config"
)

var ErrNotConnected = errors.New("emitter: mqtt not connected")

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// SnapshotFunc returns the JSON-serialisable value published on each tick.
type SnapshotFunc func() any

// MQTTEmitter publishes stats snapshots to a single topic
type MQTTEmitter struct {
	cfg      config.MQTTConfig
	clientID string
	Client   mqtt.Client // Exported for health reporting

	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu            sync.RWMutex
	published     uint64
	errors        uint64
	connected     bool
	lastPublishAt time.Time
}

// NewMQTTEmitter creates a new MQTT emitter. clientID is normally the session id.
func NewMQTTEmitter(cfg config.MQTTConfig, clientID string) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		clientID:  clientID,
		newClient: mqtt.NewClient,
	}
}

// brokerURL accepts "host:port" as well as a full URL.
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.clientID,
			"topic", e.cfg.Topic)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker)
	}

	e.Client = e.newClient(opts)

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("emitter: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Publish sends one payload to the configured topic
func (e *MQTTEmitter) Publish(payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	token := e.Client.Publish(e.cfg.Topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("emitter: publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.lastPublishAt = time.Now()
	e.mu.Unlock()

	slog.Debug("emitter: stats published",
		"topic", e.cfg.Topic,
		"qos", e.cfg.QoS,
		"size", len(payload),
	)
	return nil
}

// PublishSnapshot marshals v to JSON and publishes it
func (e *MQTTEmitter) PublishSnapshot(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: failed to marshal stats: %w", err)
	}
	return e.Publish(payload)
}

// Run publishes snapshot() every interval until ctx is done. Publish
// failures are logged and counted; the loop keeps going so that a broker
// outage does not stop the engine.
func (e *MQTTEmitter) Run(ctx context.Context, snapshot SnapshotFunc) error {
	interval := e.cfg.Interval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.PublishSnapshot(snapshot()); err != nil {
				slog.Warn("emitter: stats publish failed", "error", err)
			}
		}
	}
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics
type Stats struct {
	Connected     bool      `json:"connected"`
	Published     uint64    `json:"published"`
	Errors        uint64    `json:"errors"`
	LastPublishAt time.Time `json:"last_publish_at"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Stats{
		Connected:     e.connected,
		Published:     e.published,
		Errors:        e.errors,
		LastPublishAt: e.lastPublishAt,
	}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
