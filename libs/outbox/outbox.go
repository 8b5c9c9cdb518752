// Package outbox stages cross-service messages in the same transaction as
// the state change they describe and relays them to the broker afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/devicecloud/libs/db"
	otelx "github.com/md-rashed-zaman/devicecloud/libs/otel"
)

type Outbox struct {
	repo Repository
	now  func() time.Time
}

func New(repo Repository) (*Outbox, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}
	return &Outbox{repo: repo, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Stage writes m within tx, the same transaction that carries the state
// change. The active trace context of ctx travels with the message.
func (o *Outbox) Stage(ctx context.Context, tx db.Tx, m Message) (Message, error) {
	if tx == nil {
		return Message{}, fmt.Errorf("%w: a transaction is required", ErrInvalidMessage)
	}
	m.AggregateID = strings.TrimSpace(m.AggregateID)
	m.EventType = strings.TrimSpace(m.EventType)
	m.RoutingKey = strings.TrimSpace(m.RoutingKey)
	switch {
	case m.AggregateID == "":
		return Message{}, fmt.Errorf("%w: aggregate id is required", ErrInvalidMessage)
	case m.EventType == "":
		return Message{}, fmt.Errorf("%w: event type is required", ErrInvalidMessage)
	case len(m.Payload) > 0 && !json.Valid(m.Payload):
		return Message{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidMessage)
	}
	if m.RoutingKey == "" {
		m.RoutingKey = m.EventType
	}
	if len(m.Payload) == 0 {
		m.Payload = json.RawMessage("{}")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	} else if _, err := uuid.Parse(m.ID); err != nil {
		return Message{}, fmt.Errorf("%w: id must be a UUID", ErrInvalidMessage)
	}
	if m.TraceContext == nil {
		m.TraceContext = otelx.Capture(ctx)
	}

	now := o.now()
	m.Status = StatusPending
	m.Attempts = 0
	m.LastError = ""
	m.CreatedAt = now
	m.NextAttemptAt = now
	m.DeliveredAt = nil

	if err := o.repo.Insert(ctx, tx, m); err != nil {
		return Message{}, fmt.Errorf("staging %s for %s: %w", m.EventType, m.AggregateID, err)
	}
	return m, nil
}
