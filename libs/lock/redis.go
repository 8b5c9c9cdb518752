package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const defaultRedisExpiry = 30 * time.Second

// Redis holds Redlock leases through redsync. Leases expire after the
// configured expiry even if the holder never releases them.
type Redis struct {
	rs     *redsync.Redsync
	expiry time.Duration
	prefix string
}

func NewRedis(client redis.UniversalClient, expiry time.Duration) (*Redis, error) {
	if client == nil {
		return nil, ErrNilBackend
	}
	if expiry <= 0 {
		expiry = defaultRedisExpiry
	}
	return &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		prefix: "lock:",
	}, nil
}

func (r *Redis) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyKey
	}
	mutex := r.rs.NewMutex(r.prefix+key,
		redsync.WithExpiry(r.expiry),
		redsync.WithTries(1),
	)
	if err := mutex.TryLockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) ||
			strings.Contains(err.Error(), "lock already taken") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("trying redis lock %s: %w", key, err)
	}
	return &redisLease{mutex: mutex}, true, nil
}

type redisLease struct {
	mutex *redsync.Mutex
}

func (l *redisLease) Release(ctx context.Context) error {
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("releasing redis lock %s: %w", l.mutex.Name(), err)
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}
