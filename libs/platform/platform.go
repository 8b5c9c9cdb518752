// Package platform assembles the consistency core for one service process:
// storage, event store, outbox relay, background passes, broker consumer and
// the HTTP surface, all chosen from Config.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/amqpx"
	"github.com/md-rashed-zaman/devicecloud/libs/db"
	"github.com/md-rashed-zaman/devicecloud/libs/eventstore"
	"github.com/md-rashed-zaman/devicecloud/libs/kafkax"
	"github.com/md-rashed-zaman/devicecloud/libs/lock"
	"github.com/md-rashed-zaman/devicecloud/libs/memdb"
	"github.com/md-rashed-zaman/devicecloud/libs/messaging"
	"github.com/md-rashed-zaman/devicecloud/libs/metrics"
	"github.com/md-rashed-zaman/devicecloud/libs/outbox"
	"github.com/md-rashed-zaman/devicecloud/libs/redisx"
	"github.com/md-rashed-zaman/devicecloud/libs/saga"
	"github.com/redis/go-redis/v9"
)

type Platform struct {
	Config   Config
	Logger   *slog.Logger
	Beginner db.Beginner
	Recorder metrics.Recorder
	Events   *eventstore.Store
	Outbox   *outbox.Outbox
	Relay    *outbox.Relay
	Breaker  *outbox.BreakerPublisher
	Locker   lock.Locker
	Router   *messaging.Router

	pool       *db.Pool
	mdb        *memdb.DB
	redis      *redis.Client
	eventRepo  eventstore.Repository
	outboxRepo outbox.Repository
	sagaRepo   saga.Repository
	inbox      messaging.Inbox
	publisher  messaging.Publisher
	deadLetter outbox.DeadLetterSink
	checks     []Check
	closers    []func() error
}

type Option func(*options)

type options struct {
	publisher messaging.Publisher
}

// WithPublisher replaces the Kafka publisher, for tests and local runs.
func WithPublisher(p messaging.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// Open connects every dependency cfg names. On error, whatever was opened is
// closed again.
func Open(ctx context.Context, cfg Config, recorder metrics.Recorder, logger *slog.Logger, opts ...Option) (_ *Platform, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if recorder == nil {
		return nil, errors.New("platform: metrics recorder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Platform{Config: cfg, Logger: logger, Recorder: recorder, Router: messaging.NewRouter()}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	if err := p.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := p.openLocker(ctx); err != nil {
		return nil, err
	}

	if p.Events, err = eventstore.NewStore(p.eventRepo, recorder); err != nil {
		return nil, err
	}
	if p.Outbox, err = outbox.New(p.outboxRepo); err != nil {
		return nil, err
	}

	p.publisher = o.publisher
	if p.publisher == nil {
		kp, err := kafkax.NewPublisher(cfg.KafkaBrokers)
		if err != nil {
			return nil, err
		}
		p.publisher = kp
		p.closers = append(p.closers, kp.Close)
		p.checks = append(p.checks, Check{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})
	}
	if p.Breaker, err = outbox.NewBreakerPublisher(p.publisher, logger, cfg.Breaker); err != nil {
		return nil, err
	}
	p.checks = append(p.checks, Check{Name: "broker-breaker", Check: p.Breaker.ReadyCheck()})

	var relayOpts []outbox.RelayOption
	if cfg.DeadLetter == DeadLetterRabbitMQ {
		sink, conn, err := amqpx.Dial(cfg.AMQPURL, amqpx.Config{})
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, conn.Close)
		p.checks = append(p.checks, Check{Name: "rabbitmq", Check: amqpx.ReadyCheck(conn)})
		p.deadLetter = sink
		relayOpts = append(relayOpts, outbox.WithDeadLetterSink(sink))
	}
	if p.Relay, err = outbox.NewRelay(p.Beginner, p.outboxRepo, p.Breaker, recorder, logger, cfg.Relay, relayOpts...); err != nil {
		return nil, err
	}
	p.checks = append(p.checks, Check{Name: "outbox", Check: outboxCheck(p.Relay, cfg.OutboxStallAfter)})
	return p, nil
}

func (p *Platform) openStorage(ctx context.Context) error {
	switch p.Config.Storage {
	case StorageMemory:
		p.mdb = memdb.New()
		p.Beginner = p.mdb
		p.eventRepo = eventstore.NewMemoryRepository(p.mdb)
		p.outboxRepo = outbox.NewMemoryRepository(p.mdb)
		p.sagaRepo = saga.NewMemoryRepository(p.mdb)
		p.inbox = messaging.NewMemoryInbox(p.mdb)
		p.Logger.Warn("using in-memory storage; state is lost on exit")
		return nil
	case StoragePostgres:
		if err := db.Migrate(p.Config.DatabaseURL); err != nil {
			return err
		}
		pool, err := db.Open(ctx, p.Config.DatabaseURL, db.Options{MaxConns: int32(p.Config.MaxConns)})
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		p.pool = pool
		p.closers = append(p.closers, func() error { pool.Close(); return nil })
		p.checks = append(p.checks, Check{Name: "db", Check: db.ReadyCheck(pool)})
		p.Beginner = pool
		p.eventRepo = eventstore.NewPostgresRepository(pool)
		p.outboxRepo = outbox.NewPostgresRepository(pool)
		p.sagaRepo = saga.NewPostgresRepository(pool)
		p.inbox = messaging.NewPostgresInbox()
		return nil
	}
	return fmt.Errorf("unknown storage backend %q", p.Config.Storage)
}

func (p *Platform) openLocker(ctx context.Context) error {
	if p.Config.needsRedis() {
		client, err := redisx.Open(ctx, p.Config.RedisURL)
		if err != nil {
			return err
		}
		p.redis = client
		p.closers = append(p.closers, client.Close)
		p.checks = append(p.checks, Check{Name: "redis", Check: redisx.ReadyCheck(client)})
	}

	var err error
	switch p.Config.LockBackend {
	case LockLocal:
		p.Locker = lock.NewLocal()
	case LockRedis:
		p.Locker, err = lock.NewRedis(p.redis, p.Config.LockExpiry)
	case LockPostgres:
		p.Locker, err = lock.NewPostgres(p.pool)
	default:
		err = fmt.Errorf("unknown lock backend %q", p.Config.LockBackend)
	}
	return err
}

// NewCoordinator builds a saga coordinator on the platform's storage and
// registers its result handler on Router.
func (p *Platform) NewCoordinator(opts ...saga.Option) (*saga.Coordinator, error) {
	coord, err := saga.NewCoordinator(p.Beginner, p.sagaRepo, p.Outbox, p.Recorder, p.Logger, opts...)
	if err != nil {
		return nil, err
	}
	if err := coord.Routes(p.Router); err != nil {
		return nil, err
	}
	return coord, nil
}

// NewCompactor snapshots the aggregates of every folder registered on Events.
func (p *Platform) NewCompactor() (*eventstore.Compactor, error) {
	return eventstore.NewCompactor(p.Events, p.Locker, p.Logger, p.Config.Compactor)
}

func (p *Platform) NewDispatcher() (*messaging.Dispatcher, error) {
	return messaging.NewDispatcher(p.Config.Service, p.Beginner, p.inbox, p.Router, p.Logger)
}

// Close releases connections in reverse opening order.
func (p *Platform) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			p.Logger.Warn("closing dependency", "err", err)
		}
	}
	p.closers = nil
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
