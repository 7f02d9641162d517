package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vzahanych/storeguard/internal/config"
	"github.com/vzahanych/storeguard/internal/logger"
	"github.com/vzahanych/storeguard/internal/state"
)

// MQTTSink publishes alerts as JSON to <topic>/<camera_id>/<alert_type>
type MQTTSink struct {
	client         mqtt.Client
	topic          string
	qos            byte
	retain         bool
	publishTimeout time.Duration
}

// NewMQTTSink publishes through an already connected client
func NewMQTTSink(client mqtt.Client, cfg config.MQTTConfig) *MQTTSink {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTSink{
		client:         client,
		topic:          strings.TrimSuffix(cfg.Topic, "/"),
		qos:            cfg.QoS,
		retain:         cfg.Retain,
		publishTimeout: timeout,
	}
}

// DialMQTT connects to the configured broker. The client reconnects on its
// own once the first connection succeeded.
func DialMQTT(ctx context.Context, cfg config.MQTTConfig, log *logger.Logger) (*MQTTSink, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("Connected to MQTT broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("Connection to MQTT broker lost", "broker", cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-token.Done():
	case <-time.After(timeout):
		client.Disconnect(0)
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: timeout", cfg.Broker)
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", cfg.Broker, err)
	}

	return NewMQTTSink(client, cfg), nil
}

// Name implements Sink
func (s *MQTTSink) Name() string {
	return "mqtt"
}

// Topic returns the topic an alert is published to
func (s *MQTTSink) Topic(alert state.Alert) string {
	return fmt.Sprintf("%s/%s/%s", s.topic, alert.CameraID, alert.Type)
}

// Publish implements Sink
func (s *MQTTSink) Publish(ctx context.Context, alert state.Alert) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("not connected to mqtt broker")
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	topic := s.Topic(alert)
	token := s.client.Publish(topic, s.qos, s.retain, payload)
	select {
	case <-token.Done():
	case <-time.After(s.publishTimeout):
		return fmt.Errorf("publish to %s timed out", topic)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish alert to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
