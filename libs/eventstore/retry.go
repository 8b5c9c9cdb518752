package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/devicecloud/libs/db"
)

// Retry runs fn until it succeeds, fails with an error that is neither a
// version conflict nor a transient storage error, or maxTries is reached.
// fn must re-read state on every call; it typically wraps db.WithTx.
func Retry(ctx context.Context, maxTries uint, fn func(ctx context.Context) error) error {
	if maxTries == 0 {
		maxTries = 5
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrConflict) || db.IsRetryable(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
	return err
}
