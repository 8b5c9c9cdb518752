package outbox

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
	"github.com/md-rashed-zaman/devicecloud/libs/memdb"
)

// MemoryRepository keeps the outbox in process. Claims need no row locks
// because memdb runs one transaction at a time.
type MemoryRepository struct {
	db       *memdb.DB
	seq      int64
	messages map[string]*Message
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository(mdb *memdb.DB) *MemoryRepository {
	return &MemoryRepository{db: mdb, messages: map[string]*Message{}}
}

func (r *MemoryRepository) Insert(_ context.Context, tx db.Tx, m Message) error {
	mtx, err := memdb.AsTx(tx)
	if err != nil {
		return err
	}
	key := "outbox:" + m.ID
	if _, ok := mtx.Scratch(key); ok {
		return fmt.Errorf("outbox: duplicate message id %s", m.ID)
	}
	var exists bool
	r.db.View(func() { _, exists = r.messages[m.ID] })
	if exists {
		return fmt.Errorf("outbox: duplicate message id %s", m.ID)
	}
	mtx.SetScratch(key, true)
	m.TraceContext = cloneMap(m.TraceContext)
	mtx.Defer(func() {
		r.seq++
		m.Seq = r.seq
		r.messages[m.ID] = &m
	})
	return nil
}

func (r *MemoryRepository) Claim(_ context.Context, tx db.Tx, now time.Time, limit int) ([]Message, error) {
	if _, err := memdb.AsTx(tx); err != nil {
		return nil, err
	}
	var out []Message
	r.db.View(func() {
		blocked := map[string]bool{}
		for _, m := range r.sortedLocked() {
			if m.Status != StatusPending || blocked[m.AggregateID] {
				continue
			}
			if m.NextAttemptAt.After(now) {
				blocked[m.AggregateID] = true
				continue
			}
			if limit > 0 && len(out) >= limit {
				return
			}
			out = append(out, copyMessage(m))
		}
	})
	return out, nil
}

func (r *MemoryRepository) MarkDelivered(_ context.Context, tx db.Tx, id string, at time.Time) error {
	return r.update(tx, id, func(m *Message) {
		m.Status = StatusDelivered
		m.DeliveredAt = &at
		m.LastError = ""
	})
}

func (r *MemoryRepository) MarkRetry(_ context.Context, tx db.Tx, id string, attempts int, next time.Time, lastErr string) error {
	return r.update(tx, id, func(m *Message) {
		m.Attempts = attempts
		m.NextAttemptAt = next
		m.LastError = lastErr
	})
}

func (r *MemoryRepository) MarkFailed(_ context.Context, tx db.Tx, id string, attempts int, lastErr string) error {
	return r.update(tx, id, func(m *Message) {
		m.Status = StatusFailed
		m.Attempts = attempts
		m.LastError = lastErr
	})
}

func (r *MemoryRepository) update(tx db.Tx, id string, fn func(m *Message)) error {
	mtx, err := memdb.AsTx(tx)
	if err != nil {
		return err
	}
	var exists bool
	r.db.View(func() { _, exists = r.messages[id] })
	if !exists {
		return ErrMessageNotFound
	}
	mtx.Defer(func() {
		if m, ok := r.messages[id]; ok {
			fn(m)
		}
	})
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Message, error) {
	var (
		m  Message
		ok bool
	)
	r.db.View(func() {
		var p *Message
		if p, ok = r.messages[id]; ok {
			m = copyMessage(p)
		}
	})
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return m, nil
}

func (r *MemoryRepository) Backlog(_ context.Context, now time.Time) (Backlog, error) {
	var b Backlog
	r.db.View(func() {
		for _, m := range r.messages {
			switch m.Status {
			case StatusPending:
				b.Pending++
				if b.OldestPending == nil || m.CreatedAt.Before(*b.OldestPending) {
					created := m.CreatedAt
					b.OldestPending = &created
				}
			case StatusFailed:
				b.Failed++
			}
		}
	})
	if b.OldestPending != nil {
		b.OldestAge = now.Sub(*b.OldestPending)
	}
	return b, nil
}

func (r *MemoryRepository) ListFailed(_ context.Context, limit int) ([]Message, error) {
	var out []Message
	r.db.View(func() {
		for _, m := range r.sortedLocked() {
			if m.Status != StatusFailed {
				continue
			}
			if limit > 0 && len(out) >= limit {
				return
			}
			out = append(out, copyMessage(m))
		}
	})
	return out, nil
}

func (r *MemoryRepository) Requeue(_ context.Context, id string, now time.Time) error {
	var err error
	r.db.Update(func() {
		m, ok := r.messages[id]
		switch {
		case !ok:
			err = fmt.Errorf("%w: %s", ErrMessageNotFound, id)
		case m.Status != StatusFailed:
			err = fmt.Errorf("%w: %s is %s", ErrNotFailed, id, m.Status)
		default:
			m.Status = StatusPending
			m.Attempts = 0
			m.NextAttemptAt = now
		}
	})
	return err
}

func (r *MemoryRepository) PurgeDelivered(_ context.Context, before time.Time) (int64, error) {
	var n int64
	r.db.Update(func() {
		for id, m := range r.messages {
			if m.Status == StatusDelivered && m.DeliveredAt != nil && m.DeliveredAt.Before(before) {
				delete(r.messages, id)
				n++
			}
		}
	})
	return n, nil
}

// sortedLocked must run under the memdb lock.
func (r *MemoryRepository) sortedLocked() []*Message {
	out := make([]*Message, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func copyMessage(m *Message) Message {
	c := *m
	c.TraceContext = cloneMap(m.TraceContext)
	c.Payload = append([]byte(nil), m.Payload...)
	if m.DeliveredAt != nil {
		at := *m.DeliveredAt
		c.DeliveredAt = &at
	}
	return c
}

func cloneMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
