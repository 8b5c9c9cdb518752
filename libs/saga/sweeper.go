package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/lock"
)

const sweeperLockKey = "saga-sweeper"

// Sweeper runs the coordinator's timeout sweep, retention cleanup and
// in-flight gauges on one replica at a time.
type Sweeper struct {
	coord     *Coordinator
	locker    lock.Locker
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration
}

type SweeperConfig struct {
	Interval time.Duration
	// Retention is how long completed and compensated sagas are kept.
	Retention time.Duration
}

type SweepResult struct {
	Expired int
	Deleted int64
}

func NewSweeper(coord *Coordinator, locker lock.Locker, logger *slog.Logger, cfg SweeperConfig) (*Sweeper, error) {
	if coord == nil {
		return nil, errors.New("saga: sweeper requires a coordinator")
	}
	if locker == nil {
		return nil, errors.New("saga: sweeper requires a locker")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	return &Sweeper{coord: coord, locker: locker, logger: logger, interval: cfg.Interval, retention: cfg.Retention}, nil
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("saga sweep failed", "err", err)
			}
		}
	}
}

// RunOnce does nothing when another replica holds the sweeper lock.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	lease, ok, err := s.locker.TryAcquire(ctx, sweeperLockKey)
	if err != nil {
		return SweepResult{}, fmt.Errorf("acquiring sweeper lock: %w", err)
	}
	if !ok {
		s.logger.Debug("sweeper lock held elsewhere, skipping")
		return SweepResult{}, nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("releasing sweeper lock", "err", err)
		}
	}()

	var res SweepResult
	now := s.coord.now()
	if res.Expired, err = s.coord.Sweep(ctx, now); err != nil {
		return res, err
	}
	if res.Deleted, err = s.coord.Cleanup(ctx, now.Add(-s.retention)); err != nil {
		return res, err
	}
	if err := s.coord.RecordInFlight(ctx); err != nil {
		return res, fmt.Errorf("counting open sagas: %w", err)
	}
	return res, nil
}
