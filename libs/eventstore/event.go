package eventstore

import (
	"encoding/json"
	"time"
)

// Event is one immutable entry in an aggregate's history. Versions start at 1
// and are gap free per aggregate.
type Event struct {
	AggregateID   string
	AggregateType string
	Version       int64
	EventType     string
	Payload       json.RawMessage
	OccurredAt    time.Time
	TenantID      string
	CausationID   string
	CorrelationID string
}

// AppendRequest carries the events a caller computed against ExpectedVersion.
// ExpectedVersion 0 means the aggregate must not exist yet. Version and
// aggregate fields on Events are assigned by the store.
type AppendRequest struct {
	AggregateID     string
	AggregateType   string
	ExpectedVersion int64
	Events          []Event
}

// Snapshot is a compacted aggregate state with the last version folded in.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       int64
	State         []byte
	CreatedAt     time.Time
}

// State is the result of a replay.
type State struct {
	AggregateID   string
	AggregateType string
	Version       int64
	Data          []byte
	// SnapshotVersion is the snapshot the replay started from, 0 if none.
	SnapshotVersion int64
	// Folded counts the events applied on top of the starting point.
	Folded int
}

// Candidate is an aggregate whose history grew past the snapshot threshold.
type Candidate struct {
	AggregateID     string
	AggregateType   string
	Version         int64
	SnapshotVersion int64
}
