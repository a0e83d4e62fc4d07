// Package telemetry publishes tag diagnostics to an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/heystack-tag/internal/tag"
)

var (
	// ErrNotConnected is returned by Publish before the broker session is up.
	ErrNotConnected = errors.New("telemetry: not connected")
	// ErrStopped is returned once the client has been closed.
	ErrStopped = errors.New("telemetry: client stopped")
)

// Status is one published diagnostics record.
type Status struct {
	tag.Snapshot
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher sends status records somewhere.
type Publisher interface {
	Publish(s Status) error
	Close()
}

// Nop discards every record. Used when telemetry is disabled.
type Nop struct{}

func (Nop) Publish(Status) error { return nil }
func (Nop) Close()               {}

// Config holds broker settings.
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
}

// Client is an MQTT Publisher. Records go to <topic>/status as retained
// QoS 1 messages so late subscribers see the current state.
type Client struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewClient builds a client. Nothing is sent until Connect.
func NewClient(cfg Config) *Client {
	c := newClient(nil, cfg)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		slog.Info("[TELEMETRY] connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		slog.Warn("[TELEMETRY] connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

func newClient(client mqtt.Client, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		client:  client,
		topic:   cfg.Topic + "/status",
		timeout: cfg.Timeout,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Connect waits for the first broker session. It returns early on ctx
// cancellation or Close.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}
	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("telemetry: connect: %w", err)
			}
			c.setConnected(true)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrStopped
		default:
		}
	}
}

// Publish sends s, stamping it with the current time when unset.
func (c *Client) Publish(s Status) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = c.now()
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("telemetry: marshal status: %w", err)
	}

	token := c.client.Publish(c.topic, 1, true, data)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("telemetry: publish to %s timed out", c.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("telemetry: publish to %s: %w", c.topic, err)
	}

	slog.Debug("[TELEMETRY] published", "topic", c.topic, "event", s.Event, "mode", s.Mode)
	return nil
}

// IsConnected reports whether a broker session is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Close stops the client. Safe to call more than once.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.client.Disconnect(250)
	c.setConnected(false)
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
