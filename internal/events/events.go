// Package events announces generated strategies on a RabbitMQ exchange.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/spigell/kpi-strategist/internal/strategy"
)

const (
	// EventStrategyGenerated is the type of events published for every result.
	EventStrategyGenerated = "strategy.generated"

	defaultExchange = "kpi_strategies"
)

// Config describes the broker connection.
type Config struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// Event is the JSON body of a published message.
type Event struct {
	Type         string    `json:"type"`
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	BusinessType string    `json:"business_type"`
	Source       string    `json:"source"`
	Model        string    `json:"model,omitempty"`
	KPIs         []string  `json:"kpis"`
	Tools        []string  `json:"tools"`
	Advice       string    `json:"advice"`
	DocumentKey  string    `json:"document_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes strategy events on a durable topic exchange.
type Publisher struct {
	conn     *amqp.Connection
	exchange string
	logger   *zap.Logger

	mu sync.Mutex
	ch channel
}

// Dial connects to the broker and declares the exchange.
func Dial(cfg Config, logger *zap.Logger) (*Publisher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = defaultExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	p := newPublisher(ch, exchange, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		logger:   logger,
	}
}

// Publish sends a strategy.generated event for the result.
func (p *Publisher) Publish(ctx context.Context, res *strategy.Result) error {
	if res == nil {
		return errors.New("result is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := NewEvent(res).Message()
	if err != nil {
		return err
	}
	key := RoutingKey(res.Source)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return errors.New("publisher is closed")
	}
	if err := p.ch.Publish(p.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}

	p.logger.Debug("strategy event published", zap.String("exchange", p.exchange), zap.String("routing_key", key))
	return nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
		p.ch = nil
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
		p.conn = nil
	}
	return errors.Join(errs...)
}

// NewEvent converts a result into its event payload.
func NewEvent(res *strategy.Result) Event {
	kpis := res.KPIs
	if kpis == nil {
		kpis = []string{}
	}
	tools := res.Tools
	if tools == nil {
		tools = []string{}
	}
	return Event{
		Type:         EventStrategyGenerated,
		ID:           res.ID.String(),
		UserID:       res.UserID,
		BusinessType: res.BusinessType,
		Source:       string(res.Source),
		Model:        res.Model,
		KPIs:         kpis,
		Tools:        tools,
		Advice:       res.Advice,
		DocumentKey:  res.DocumentKey,
		CreatedAt:    res.CreatedAt,
	}
}

// Message encodes the event as a persistent JSON message.
func (e Event) Message() (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.CreatedAt,
		Type:         e.Type,
		Body:         body,
	}, nil
}

// RoutingKey returns "strategy.generated.<source>".
func RoutingKey(source strategy.Source) string {
	if source == "" {
		source = "unknown"
	}
	return EventStrategyGenerated + "." + string(source)
}
