package kafkax

import (
	"strings"

	"github.com/md-rashed-zaman/devicecloud/libs/messaging"
	otelx "github.com/md-rashed-zaman/devicecloud/libs/otel"
	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
)

// EventMeta is the metadata carried in headers next to the envelope.
type EventMeta struct {
	EventID   string
	EventType string
}

func ExtractEventMeta(msg kafka.Message) EventMeta {
	eventID := HeaderValue(msg.Headers, HeaderEventID)
	eventType := HeaderValue(msg.Headers, HeaderEventType)
	if eventID == "" {
		eventID = string(msg.Key)
	}
	if eventType == "" {
		eventType = msg.Topic
	}
	return EventMeta{EventID: eventID, EventType: eventType}
}

// EnvelopeFromMessage decodes the envelope in msg's value. The topic and the
// trace headers fill a missing routing key and trace context.
func EnvelopeFromMessage(msg kafka.Message) (messaging.Envelope, error) {
	env, err := messaging.Unmarshal(msg.Value)
	if err != nil {
		return messaging.Envelope{}, err
	}
	if env.RoutingKey == "" {
		env.RoutingKey = msg.Topic
	}
	if env.Traceparent == "" {
		env.Traceparent = HeaderValue(msg.Headers, otelx.TraceparentKey)
		env.Tracestate = HeaderValue(msg.Headers, otelx.TracestateKey)
	}
	return env, nil
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
