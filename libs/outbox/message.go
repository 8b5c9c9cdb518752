package outbox

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Message is one staged notification. It is written in the same transaction
// as the state change it announces and published later by the Relay.
type Message struct {
	ID            string
	Seq           int64
	AggregateID   string
	AggregateType string
	EventType     string
	RoutingKey    string
	Payload       json.RawMessage
	TraceContext  map[string]string
	Status        Status
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	DeliveredAt   *time.Time
}

// Backlog is what operators watch to spot a stalled broker or relay.
type Backlog struct {
	Pending       int64
	Failed        int64
	OldestPending *time.Time
	OldestAge     time.Duration
}
