package kafkax

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/messaging"
	"github.com/segmentio/kafka-go"
)

// Publisher writes envelopes to the topic named by their routing key, keyed
// by aggregate id so one aggregate's messages share a partition. WriteMessages
// returns only after all in-sync replicas acknowledged.
type Publisher struct {
	writer *kafka.Writer
}

var _ messaging.Publisher = (*Publisher)(nil)

func NewPublisher(brokers string) (*Publisher, error) {
	list := SplitBrokers(brokers)
	if len(list) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	return &Publisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(list...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}, nil
}

func (p *Publisher) Publish(ctx context.Context, env messaging.Envelope) error {
	msg, err := MessageFor(ctx, env)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing %s to %s: %w", env.ID, env.RoutingKey, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// MessageFor builds the Kafka record for env. The trace context of ctx goes
// into the headers as well as the envelope.
func MessageFor(ctx context.Context, env messaging.Envelope) (kafka.Message, error) {
	value, err := env.Marshal()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encoding envelope %s: %w", env.ID, err)
	}
	key := env.AggregateID
	if key == "" {
		key = env.ID
	}
	msg := kafka.Message{
		Topic: env.RoutingKey,
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(env.ID)},
			{Key: HeaderEventType, Value: []byte(env.EventType)},
		},
	}
	msg.Headers = InjectTraceHeaders(ctx, msg.Headers)
	return msg, nil
}
