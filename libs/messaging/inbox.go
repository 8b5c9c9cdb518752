package messaging

import (
	"context"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
	"github.com/md-rashed-zaman/devicecloud/libs/memdb"
)

// Inbox remembers which messages a consumer already applied. Record returns
// false when messageID was seen before. It must write within tx so the mark
// commits or rolls back with the handler's effects.
type Inbox interface {
	Record(ctx context.Context, tx db.Tx, consumer, messageID, eventType string) (bool, error)
}

type PostgresInbox struct{}

func NewPostgresInbox() PostgresInbox {
	return PostgresInbox{}
}

func (PostgresInbox) Record(ctx context.Context, tx db.Tx, consumer, messageID, eventType string) (bool, error) {
	ptx, err := db.PgxTx(tx)
	if err != nil {
		return false, err
	}
	tag, err := ptx.Exec(ctx, `
		INSERT INTO inbox_messages (consumer, message_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer, message_id) DO NOTHING
	`, consumer, messageID, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type MemoryInbox struct {
	db   *memdb.DB
	seen map[string]struct{}
}

func NewMemoryInbox(mdb *memdb.DB) *MemoryInbox {
	return &MemoryInbox{db: mdb, seen: map[string]struct{}{}}
}

func (i *MemoryInbox) Record(_ context.Context, tx db.Tx, consumer, messageID, _ string) (bool, error) {
	mtx, err := memdb.AsTx(tx)
	if err != nil {
		return false, err
	}
	key := consumer + "\x00" + messageID
	if _, ok := mtx.Scratch("inbox:" + key); ok {
		return false, nil
	}
	var seen bool
	i.db.View(func() { _, seen = i.seen[key] })
	if seen {
		return false, nil
	}
	mtx.SetScratch("inbox:"+key, true)
	mtx.Defer(func() { i.seen[key] = struct{}{} })
	return true, nil
}
