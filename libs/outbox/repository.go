package outbox

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
)

type Repository interface {
	Insert(ctx context.Context, tx db.Tx, m Message) error
	// Claim locks up to limit pending rows due at now, in stage order, for the
	// lifetime of tx. Rows queued behind an earlier row of the same aggregate
	// that is backing off are not returned, nor are rows another open
	// transaction has claimed.
	Claim(ctx context.Context, tx db.Tx, now time.Time, limit int) ([]Message, error)
	MarkDelivered(ctx context.Context, tx db.Tx, id string, at time.Time) error
	MarkRetry(ctx context.Context, tx db.Tx, id string, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, tx db.Tx, id string, attempts int, lastErr string) error

	Get(ctx context.Context, id string) (Message, error)
	Backlog(ctx context.Context, now time.Time) (Backlog, error)
	ListFailed(ctx context.Context, limit int) ([]Message, error)
	// Requeue moves a failed message back to pending with attempts reset.
	Requeue(ctx context.Context, id string, now time.Time) error
	// PurgeDelivered deletes delivered rows older than before. Failed rows are
	// kept until an operator deals with them.
	PurgeDelivered(ctx context.Context, before time.Time) (int64, error)
}
