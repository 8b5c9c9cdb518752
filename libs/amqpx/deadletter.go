// Package amqpx hands outbox messages that exhausted their attempts to a
// RabbitMQ dead-letter queue where operators can inspect and replay them.
package amqpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "devicecloud.dlx"
	DefaultQueue    = "devicecloud.outbox.dlq"
)

var (
	ErrNacked         = errors.New("amqpx: broker rejected dead letter")
	ErrConfirmTimeout = errors.New("amqpx: timed out waiting for confirm")
)

// Channel is the part of *amqp.Channel the sink uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Config struct {
	Exchange       string
	Queue          string
	ConfirmTimeout time.Duration
}

// DeadLetterSink publishes with confirms on, so DeadLetter returns nil only
// once RabbitMQ took responsibility for the message.
type DeadLetterSink struct {
	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
	exchange string
	timeout  time.Duration
	now      func() time.Time
}

var _ outbox.DeadLetterSink = (*DeadLetterSink)(nil)

func NewDeadLetterSink(ch Channel, cfg Config) (*DeadLetterSink, error) {
	if ch == nil {
		return nil, errors.New("amqpx: channel is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declaring dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declaring dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(cfg.Queue, "#", cfg.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("binding dead-letter queue: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enabling publisher confirms: %w", err)
	}
	return &DeadLetterSink{
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		exchange: cfg.Exchange,
		timeout:  cfg.ConfirmTimeout,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

type deadLetter struct {
	ID            string            `json:"id"`
	AggregateID   string            `json:"aggregateId"`
	AggregateType string            `json:"aggregateType,omitempty"`
	EventType     string            `json:"eventType"`
	RoutingKey    string            `json:"routingKey"`
	Payload       json.RawMessage   `json:"payload"`
	TraceContext  map[string]string `json:"traceContext,omitempty"`
	Attempts      int               `json:"attempts"`
	Reason        string            `json:"reason"`
	StagedAt      time.Time         `json:"stagedAt"`
	FailedAt      time.Time         `json:"failedAt"`
}

func (s *DeadLetterSink) DeadLetter(ctx context.Context, m outbox.Message, reason string) error {
	body, err := json.Marshal(deadLetter{
		ID:            m.ID,
		AggregateID:   m.AggregateID,
		AggregateType: m.AggregateType,
		EventType:     m.EventType,
		RoutingKey:    m.RoutingKey,
		Payload:       m.Payload,
		TraceContext:  m.TraceContext,
		Attempts:      m.Attempts,
		Reason:        reason,
		StagedAt:      m.CreatedAt,
		FailedAt:      s.now(),
	})
	if err != nil {
		return fmt.Errorf("encoding dead letter %s: %w", m.ID, err)
	}
	headers := amqp.Table{
		"x-outbox-id":       m.ID,
		"x-outbox-attempts": int32(m.Attempts),
	}
	for k, v := range m.TraceContext {
		headers[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ch.PublishWithContext(ctx, s.exchange, m.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.ID,
		Type:         m.EventType,
		Timestamp:    s.now(),
		Headers:      headers,
		Body:         body,
	}); err != nil {
		return fmt.Errorf("publishing dead letter %s: %w", m.ID, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case c, ok := <-s.confirms:
		if !ok {
			return errors.New("amqpx: channel closed before confirm")
		}
		if !c.Ack {
			return fmt.Errorf("%w: %s", ErrNacked, m.ID)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrConfirmTimeout, m.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dial connects to RabbitMQ and builds a sink on a fresh channel. Closing
// the returned connection closes the channel too.
func Dial(url string, cfg Config) (*DeadLetterSink, *amqp.Connection, error) {
	if url == "" {
		return nil, nil, errors.New("amqpx: url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("opening rabbitmq channel: %w", err)
	}
	sink, err := NewDeadLetterSink(ch, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return sink, conn, nil
}

func ReadyCheck(conn *amqp.Connection) func(context.Context) error {
	return func(context.Context) error {
		if conn == nil || conn.IsClosed() {
			return errors.New("connection closed")
		}
		return nil
	}
}
