// Package messaging defines the broker-facing side of the consistency core:
// the envelope every message travels in, the publisher contract the outbox
// relay delivers through, and the idempotent consumer that turns envelopes
// back into local transactions.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	otelx "github.com/md-rashed-zaman/devicecloud/libs/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Envelope is the wire format on the broker.
type Envelope struct {
	ID          string          `json:"id"`
	EventType   string          `json:"eventType"`
	RoutingKey  string          `json:"routingKey"`
	AggregateID string          `json:"aggregateId,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Traceparent string          `json:"traceparent,omitempty"`
	Tracestate  string          `json:"tracestate,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// Carrier exposes the envelope's trace context to a propagator.
func (e Envelope) Carrier() propagation.TextMapCarrier {
	c := propagation.MapCarrier{}
	if e.Traceparent != "" {
		c[otelx.TraceparentKey] = e.Traceparent
	}
	if e.Tracestate != "" {
		c[otelx.TracestateKey] = e.Tracestate
	}
	return c
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if e.ID == "" || e.EventType == "" {
		return Envelope{}, fmt.Errorf("decoding envelope: id and eventType are required")
	}
	return e, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.EventType, err)
	}
	return nil
}
