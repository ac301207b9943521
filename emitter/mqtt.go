// Package emitter publishes muxer output to an MQTT broker.
//
// Topics:
//
//	{topics.framesets}          wire-encoded framesets
//	{topics.events}/{kind}      gap, descriptor (retained) and eos envelopes
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	rgbdmux "github.com/e7canasta/orion-rgbd"
	"github.com/e7canasta/orion-rgbd/config"
	"github.com/e7canasta/orion-rgbd/wire"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Client is the subset of mqtt.Client the emitter uses.
type Client interface {
	Connect() mqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTEmitter publishes muxer events to an MQTT broker
type MQTTEmitter struct {
	cfg      config.MQTTConfig
	clientID string
	client   Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg config.MQTTConfig, clientID string) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		clientID:  clientID,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", broker,
			"client_id", e.clientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker,
		)
	}

	slog.Info("emitter: connecting to mqtt broker", "broker", broker)
	return e.connect(ctx, mqtt.NewClient(opts))
}

func (e *MQTTEmitter) connect(ctx context.Context, client Client) error {
	e.client = client

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return fmt.Errorf("emitter: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Emit publishes one muxer event.
func (e *MQTTEmitter) Emit(ev rgbdmux.Event) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("emitter: mqtt not connected")
	}

	payload, err := wire.EncodeEvent(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: failed to encode %s event: %w", ev.Kind, err)
	}

	topic := e.Topic(ev.Kind)
	retained := ev.Kind == rgbdmux.EventDescriptor

	token := e.client.Publish(topic, e.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("emitter: publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed on %s: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("emitter: event published",
		"topic", topic,
		"kind", ev.Kind.String(),
		"qos", e.cfg.QoS,
		"size", len(payload),
	)
	return nil
}

// Topic returns the topic an event kind is published on.
func (e *MQTTEmitter) Topic(kind rgbdmux.EventKind) string {
	if kind == rgbdmux.EventFrameset {
		return e.cfg.Topics.Framesets
	}
	return e.cfg.Topics.Events + "/" + kind.String()
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
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
