// Package memdb is an in-memory transactional backend with the same unit of
// work contract as the Postgres pool. It backs the memory repositories used by
// tests and by services started with STORAGE=memory.
//
// Transactions are serialized: Begin waits until the previous transaction has
// committed or rolled back. Writes registered on a transaction are applied
// atomically on Commit and discarded on Rollback.
package memdb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/md-rashed-zaman/devicecloud/libs/db"
)

var ErrTxDone = errors.New("memdb: transaction already finished")

type DB struct {
	sem chan struct{}
	mu  sync.RWMutex
}

func New() *DB {
	return &DB{sem: make(chan struct{}, 1)}
}

func (d *DB) Begin(ctx context.Context) (db.Tx, error) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Tx{db: d, scratch: map[string]any{}}, nil
}

// View runs fn with shared access to committed state.
func (d *DB) View(fn func()) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn()
}

// Update runs fn with exclusive access to committed state, outside of any
// transaction.
func (d *DB) Update(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

type Tx struct {
	db      *DB
	ops     []func()
	scratch map[string]any
	done    bool
}

// Defer registers a write to apply on Commit.
func (t *Tx) Defer(op func()) {
	t.ops = append(t.ops, op)
}

// Scratch is transaction-local state repositories use to see their own
// uncommitted writes.
func (t *Tx) Scratch(key string) (any, bool) {
	v, ok := t.scratch[key]
	return v, ok
}

func (t *Tx) SetScratch(key string, v any) {
	t.scratch[key] = v
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.db.mu.Lock()
	for _, op := range t.ops {
		op()
	}
	t.db.mu.Unlock()
	t.ops = nil
	<-t.db.sem
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.ops = nil
	<-t.db.sem
	return nil
}

// AsTx unwraps a unit of work opened by a DB.
func AsTx(tx db.Tx) (*Tx, error) {
	mtx, ok := tx.(*Tx)
	if !ok || mtx == nil {
		return nil, fmt.Errorf("%w: got %T", db.ErrForeignTx, tx)
	}
	if mtx.done {
		return nil, ErrTxDone
	}
	return mtx, nil
}
