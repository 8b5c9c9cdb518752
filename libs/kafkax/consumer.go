package kafkax

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/backoff"
	"github.com/md-rashed-zaman/devicecloud/libs/messaging"
	otelx "github.com/md-rashed-zaman/devicecloud/libs/otel"
	"github.com/md-rashed-zaman/devicecloud/libs/outbox"
	"github.com/segmentio/kafka-go"
)

// Consumer feeds a consumer group's messages to a Dispatcher and commits each
// offset only after the dispatcher's transaction committed.
type Consumer struct {
	reader      *kafka.Reader
	dispatcher  *messaging.Dispatcher
	logger      *slog.Logger
	maxAttempts int
	retry       backoff.Policy
	deadLetter  outbox.DeadLetterSink
}

type ConsumerConfig struct {
	Brokers string
	GroupID string
	// MaxAttempts bounds how often one message is dispatched before it is
	// dead-lettered and skipped.
	MaxAttempts int
	Retry       backoff.Policy
	// DeadLetter receives undecodable messages and messages whose handler
	// kept failing. Without one they are only logged.
	DeadLetter outbox.DeadLetterSink
}

func NewConsumer(cfg ConsumerConfig, dispatcher *messaging.Dispatcher, logger *slog.Logger) (*Consumer, error) {
	brokers := SplitBrokers(cfg.Brokers)
	switch {
	case len(brokers) == 0:
		return nil, errors.New("kafka brokers not configured")
	case cfg.GroupID == "":
		return nil, errors.New("kafka consumer group not configured")
	case dispatcher == nil:
		return nil, errors.New("kafka consumer requires a dispatcher")
	}
	topics := dispatcher.Router().EventTypes()
	if len(topics) == 0 {
		return nil, errors.New("kafka consumer has no topics to subscribe to")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry = backoff.Policy{Base: 200 * time.Millisecond, Max: 5 * time.Second}
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &Consumer{
		reader:      reader,
		dispatcher:  dispatcher,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		retry:       cfg.Retry,
		deadLetter:  cfg.DeadLetter,
	}, nil
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka fetch error", "err", err)
			if backoff.SleepWithContext(ctx, time.Second) != nil {
				return
			}
			continue
		}

		if !c.handle(ctx, msg) {
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit error", "err", err, "topic", msg.Topic, "offset", msg.Offset)
		}
	}
}

// handle returns false only when ctx ended before msg was settled.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	env, err := EnvelopeFromMessage(msg)
	if err != nil {
		return c.reject(ctx, rawLetter(msg, ExtractEventMeta(msg)), "undecodable envelope: "+err.Error())
	}

	for attempt := 1; ; attempt++ {
		err := c.dispatcher.Dispatch(ctx, env)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if attempt >= c.maxAttempts {
			return c.reject(ctx, envelopeLetter(msg, env, attempt), err.Error())
		}
		c.logger.Warn("handler failed, retrying", "event_id", env.ID, "attempt", attempt, "err", err)
		if backoff.SleepWithContext(ctx, c.retry.Delay(attempt)) != nil {
			return false
		}
	}
}

// reject hands m to the dead-letter sink, retrying the sink like a handler.
// A message the sink never accepted is logged and skipped.
func (c *Consumer) reject(ctx context.Context, m outbox.Message, reason string) bool {
	log := c.logger.With("event_id", m.ID, "event_type", m.EventType,
		"topic", m.RoutingKey, "attempts", m.Attempts, "reason", reason)
	if c.deadLetter == nil {
		log.Error("poison message skipped")
		return true
	}
	for attempt := 1; ; attempt++ {
		err := c.deadLetter.DeadLetter(ctx, m, reason)
		if err == nil {
			log.Warn("poison message dead-lettered")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if attempt >= c.maxAttempts {
			log.Error("dead-lettering failed, poison message skipped", "err", err)
			return true
		}
		if backoff.SleepWithContext(ctx, c.retry.Delay(attempt)) != nil {
			return false
		}
	}
}

func envelopeLetter(msg kafka.Message, env messaging.Envelope, attempts int) outbox.Message {
	m := outbox.Message{
		ID:          env.ID,
		AggregateID: env.AggregateID,
		EventType:   env.EventType,
		RoutingKey:  msg.Topic,
		Payload:     env.Payload,
		Status:      outbox.StatusFailed,
		Attempts:    attempts,
		CreatedAt:   env.OccurredAt,
	}
	if env.Traceparent != "" {
		m.TraceContext = map[string]string{otelx.TraceparentKey: env.Traceparent}
		if env.Tracestate != "" {
			m.TraceContext[otelx.TracestateKey] = env.Tracestate
		}
	}
	return m
}

// rawLetter keeps an undecodable value verbatim, quoted as a JSON string when
// it is not JSON at all.
func rawLetter(msg kafka.Message, meta EventMeta) outbox.Message {
	payload := json.RawMessage(msg.Value)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(msg.Value))
	}
	return outbox.Message{
		ID:          meta.EventID,
		AggregateID: string(msg.Key),
		EventType:   meta.EventType,
		RoutingKey:  msg.Topic,
		Payload:     payload,
		Status:      outbox.StatusFailed,
		CreatedAt:   msg.Time,
	}
}
