package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Publisher sends chat, socket and audit events to a topic exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
	// Mode is "amqp" for a live broker and "noop" otherwise.
	Mode() string
}

// Config selects the broker. An empty URL disables publishing.
type Config struct {
	URL          string
	Exchange     string
	DialAttempts uint64
	DialInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "chat.events"
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = 3
	}
	if c.DialInterval <= 0 {
		c.DialInterval = time.Second
	}
	return c
}

// NewPublisher connects to the broker and declares the exchange. When the broker
// is disabled or unreachable it returns a publisher that only logs.
func NewPublisher(cfg Config, logger zerolog.Logger) Publisher {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		logger.Info().Msg("amqp url empty, events are not published")
		return noopPublisher{logger: logger}
	}

	var conn *amqp.Connection
	dial := func() error {
		var err error
		conn, err = amqp.Dial(cfg.URL)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.DialInterval), cfg.DialAttempts-1)
	if err := backoff.Retry(dial, policy); err != nil {
		logger.Warn().Err(err).Uint64("attempts", cfg.DialAttempts).Msg("amqp unreachable, events are not published")
		return noopPublisher{logger: logger}
	}

	p := &amqpPublisher{conn: conn, exchange: cfg.Exchange, logger: logger}
	if _, err := p.channel(); err != nil {
		logger.Warn().Err(err).Msg("amqp exchange unavailable, events are not published")
		_ = conn.Close()
		return noopPublisher{logger: logger}
	}
	logger.Info().Str("exchange", cfg.Exchange).Msg("amqp connected")
	return p
}

type amqpPublisher struct {
	conn     *amqp.Connection
	exchange string
	logger   zerolog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// channel returns the open channel, reopening it after a channel-level error.
func (p *amqpPublisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.ch = ch
	return ch, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ch, err := p.channel()
	if err != nil {
		return err
	}

	table := make(amqp.Table, len(headers))
	for key, value := range headers {
		table[key] = value
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      table,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		p.logger.Error().Err(err).Str("routing_key", routingKey).Msg("amqp publish failed")
		return err
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.mu.Unlock()
	return p.conn.Close()
}

func (p *amqpPublisher) Mode() string { return "amqp" }

type noopPublisher struct {
	logger zerolog.Logger
}

func (p noopPublisher) Publish(_ context.Context, routingKey string, _ any, headers map[string]string) error {
	p.logger.Debug().Str("routing_key", routingKey).Str("request_id", headers["x-request-id"]).Msg("event dropped")
	return nil
}

func (noopPublisher) Close() error { return nil }

func (noopPublisher) Mode() string { return "noop" }
