package eventstore

import (
	"context"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
)

// Repository is the storage contract behind Store. Implementations must make
// AppendEvents conditional on the stream being at expected and must apply it
// within tx.
type Repository interface {
	AppendEvents(ctx context.Context, tx db.Tx, aggregateID, aggregateType string, expected int64, events []Event) error
	// LoadEvents returns at most limit events with version >= fromVersion in
	// ascending version order.
	LoadEvents(ctx context.Context, aggregateID string, fromVersion int64, limit int) ([]Event, error)
	// StreamVersion returns ErrAggregateNotFound for unknown aggregates.
	StreamVersion(ctx context.Context, aggregateID string) (aggregateType string, version int64, err error)

	LoadSnapshot(ctx context.Context, aggregateID string) (Snapshot, bool, error)
	// SaveSnapshot keeps only the newest snapshot per aggregate; an older
	// snapshot never replaces a newer one.
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	SnapshotCandidates(ctx context.Context, threshold int64, limit int) ([]Candidate, error)
}
