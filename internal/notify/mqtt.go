// Package notify forwards capture session events to an MQTT broker so door
// controllers and dashboards can react to check-ins.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/session"
)

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("not connected to MQTT broker")

// MQTTPublisher publishes session events as JSON messages.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger
}

// NewMQTTPublisher connects to the broker described by cfg.
func NewMQTTPublisher(ctx context.Context, cfg config.MQTTConfig, logger *slog.Logger) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("MQTT broker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &MQTTPublisher{topic: cfg.Topic, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected to MQTT broker", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("connection to MQTT broker lost", "broker", cfg.Broker, "error", err)
	})

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if err := wait(ctx, token, connectTimeout); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker: %w", err)
	}
	return p, nil
}

// Topic returns the topic an event is published to.
func Topic(base string, ev session.Event) string {
	return base + "/" + string(ev.Type)
}

// Publish sends one event. Implements session.Publisher.
func (p *MQTTPublisher) Publish(ctx context.Context, ev session.Event) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	token := p.client.Publish(Topic(p.topic, ev), 1, false, payload)
	if err := wait(ctx, token, publishTimeout); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timeout")
	}
}
