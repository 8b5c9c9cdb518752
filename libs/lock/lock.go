// Package lock provides the non-blocking named locks background workers use so
// only one replica runs a job at a time.
package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	ErrEmptyKey   = errors.New("lock: key is required")
	ErrNotHeld    = errors.New("lock: not held or already expired")
	ErrNilBackend = errors.New("lock: backend is required")
)

// Lease is a held lock. Release is safe to call once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires named locks without waiting. acquired is false when another
// holder has the lock; err is reserved for backend failures.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (lease Lease, acquired bool, err error)
}

// Local is an in-process Locker for single-replica deployments and tests.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: map[string]struct{}{}}
}

func (l *Local) TryAcquire(_ context.Context, key string) (Lease, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyKey
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	return &localLease{l: l, key: key}, true, nil
}

type localLease struct {
	l    *Local
	key  string
	once sync.Once
}

func (ll *localLease) Release(context.Context) error {
	released := false
	ll.once.Do(func() {
		ll.l.mu.Lock()
		delete(ll.l.held, ll.key)
		ll.l.mu.Unlock()
		released = true
	})
	if !released {
		return ErrNotHeld
	}
	return nil
}
