package lock

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/md-rashed-zaman/devicecloud/libs/db"
)

// Postgres holds session-level advisory locks. Each lease pins one pooled
// connection until it is released.
type Postgres struct {
	pool *db.Pool
}

func NewPostgres(pool *db.Pool) (*Postgres, error) {
	if pool == nil || pool.Pool == nil {
		return nil, ErrNilBackend
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyKey
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring connection for lock %s: %w", key, err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("trying advisory lock %s: %w", key, err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return &pgLease{conn: conn, key: key}, true, nil
}

type pgLease struct {
	conn *pgxpool.Conn
	key  string
}

func (l *pgLease) Release(ctx context.Context) error {
	if l.conn == nil {
		return ErrNotHeld
	}
	conn := l.conn
	l.conn = nil
	defer conn.Release()

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, l.key).Scan(&ok); err != nil {
		// the session may still hold the lock; drop the connection
		_ = conn.Conn().Close(ctx)
		return fmt.Errorf("releasing advisory lock %s: %w", l.key, err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}
