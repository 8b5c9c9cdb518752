package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/lock"
)

const compactorLockKey = "eventstore-compactor"

// Compactor snapshots aggregates whose history grew past Threshold events
// since their last snapshot. It runs beside writers and never blocks them.
type Compactor struct {
	store     *Store
	repo      Repository
	locker    lock.Locker
	logger    *slog.Logger
	threshold int64
	interval  time.Duration
	batchSize int
}

type CompactorConfig struct {
	Threshold int64
	Interval  time.Duration
	BatchSize int
}

func NewCompactor(store *Store, locker lock.Locker, logger *slog.Logger, cfg CompactorConfig) (*Compactor, error) {
	if store == nil {
		return nil, errors.New("eventstore: compactor requires a store")
	}
	if locker == nil {
		return nil, errors.New("eventstore: compactor requires a locker")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Compactor{
		store:     store,
		repo:      store.repo,
		locker:    locker,
		logger:    logger,
		threshold: cfg.Threshold,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}, nil
}

func (c *Compactor) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("snapshot compaction failed", "err", err)
			}
		}
	}
}

// RunOnce snapshots one batch of candidates and returns how many snapshots it
// wrote. Per-aggregate failures are logged and skipped. It does nothing when
// another replica holds the compactor lock.
func (c *Compactor) RunOnce(ctx context.Context) (int, error) {
	lease, ok, err := c.locker.TryAcquire(ctx, compactorLockKey)
	if err != nil {
		return 0, fmt.Errorf("acquiring compactor lock: %w", err)
	}
	if !ok {
		c.logger.Debug("compactor lock held elsewhere, skipping")
		return 0, nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("releasing compactor lock", "err", err)
		}
	}()

	candidates, err := c.repo.SnapshotCandidates(ctx, c.threshold, c.batchSize)
	if err != nil {
		return 0, fmt.Errorf("listing snapshot candidates: %w", err)
	}

	written := 0
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		snap, err := c.store.CreateSnapshot(ctx, cand.AggregateID)
		if err != nil {
			c.logger.Warn("snapshot failed",
				"aggregate_id", cand.AggregateID,
				"aggregate_type", cand.AggregateType,
				"err", err,
			)
			continue
		}
		written++
		c.logger.Debug("snapshot written",
			"aggregate_id", snap.AggregateID,
			"version", snap.Version,
			"previous_version", cand.SnapshotVersion,
		)
	}
	return written, nil
}
