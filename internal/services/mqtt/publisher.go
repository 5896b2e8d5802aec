// Package mqtt publishes slot events to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("not connected to MQTT broker")

// Config holds the broker connection settings
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	Retain         bool
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Publisher implements models.MessagePublisher on top of paho
type Publisher struct {
	cfg    Config
	client paho.Client
	logger zerolog.Logger

	mu        sync.Mutex
	published int
	failed    int
}

// NewPublisher connects to the broker. Auto reconnect is enabled, so a broker that
// drops later does not need a new publisher.
func NewPublisher(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info().Str("broker", cfg.Broker).Msg("Connected to MQTT broker")
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn().Err(err).Str("broker", cfg.Broker).Msg("Connection to MQTT broker lost")
	})

	p := newPublisher(cfg, paho.NewClient(opts), logger)
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func newPublisher(cfg Config, client paho.Client, logger zerolog.Logger) *Publisher {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &Publisher{cfg: cfg, client: client, logger: logger}
}

func (p *Publisher) connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(p.cfg.ConnectTimeout) {
		return fmt.Errorf("connection timeout after %s", p.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connection error: %w", err)
	}
	return nil
}

// Publish sends data as JSON to the topic
func (p *Publisher) Publish(topic string, data interface{}) error {
	if !p.IsConnected() {
		p.recordResult(false)
		return ErrNotConnected
	}

	payload, err := json.Marshal(data)
	if err != nil {
		p.recordResult(false)
		return fmt.Errorf("encode payload: %w", err)
	}

	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retain, payload)
	if !token.WaitTimeout(p.cfg.PublishTimeout) {
		p.recordResult(false)
		p.logger.Warn().Str("topic", topic).Msg("MQTT publish timeout")
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		p.recordResult(false)
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.recordResult(true)
	p.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("Published to MQTT")
	return nil
}

func (p *Publisher) recordResult(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		p.published++
	} else {
		p.failed++
	}
}

// IsConnected reports the broker connection state
func (p *Publisher) IsConnected() bool {
	return p.client != nil && p.client.IsConnected()
}

// Statistics returns publish counters
func (p *Publisher) Statistics() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"broker":    p.cfg.Broker,
		"connected": p.IsConnected(),
		"published": p.published,
		"failed":    p.failed,
	}
}

// Close disconnects, waiting up to 250ms for in-flight work
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
