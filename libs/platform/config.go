package platform

import (
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/devicecloud/libs/backoff"
	"github.com/md-rashed-zaman/devicecloud/libs/config"
	"github.com/md-rashed-zaman/devicecloud/libs/eventstore"
	"github.com/md-rashed-zaman/devicecloud/libs/outbox"
	"github.com/md-rashed-zaman/devicecloud/libs/saga"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	LockPostgres = "postgres"
	LockRedis    = "redis"
	LockLocal    = "local"

	DeadLetterNone     = "none"
	DeadLetterRabbitMQ = "rabbitmq"
)

type Config struct {
	Service string
	Port    string

	Storage     string
	DatabaseURL string
	MaxConns    int

	KafkaBrokers string
	KafkaGroupID string

	Relay      outbox.RelayConfig
	Breaker    outbox.BreakerConfig
	PurgeEvery time.Duration
	// OutboxStallAfter fails readiness once the oldest pending message is
	// older. Zero disables the check.
	OutboxStallAfter time.Duration
	Compactor  eventstore.CompactorConfig
	Sweeper    saga.SweeperConfig

	LockBackend string
	LockExpiry  time.Duration
	RedisURL    string

	RateLimitPerMinute int
	RequestTimeout     time.Duration

	DeadLetter string
	AMQPURL    string
}

// ConfigFromEnv reads the process configuration. Missing required
// dependencies are errors.
func ConfigFromEnv(service, defaultPort string) (Config, error) {
	cfg := Config{
		Service:      config.String("SERVICE_NAME", service),
		KafkaBrokers: config.String("KAFKA_BROKERS", ""),
		RedisURL:     config.String("REDIS_URL", ""),
		AMQPURL:      config.String("AMQP_URL", ""),
	}
	cfg.KafkaGroupID = config.String("KAFKA_GROUP_ID", cfg.Service)

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error

	cfg.Port, err = config.Port("PORT", defaultPort)
	collect(err)
	cfg.Storage, err = config.OneOf("STORAGE", StoragePostgres, StoragePostgres, StorageMemory)
	collect(err)
	if cfg.Storage == StoragePostgres {
		cfg.DatabaseURL, err = config.RequiredString("DATABASE_URL")
		collect(err)
	}
	cfg.MaxConns, err = config.Int("DB_MAX_CONNS", 10)
	collect(err)
	if cfg.KafkaBrokers == "" {
		collect(errors.New("KAFKA_BROKERS is required"))
	}

	cfg.Relay.PollInterval, err = config.Duration("OUTBOX_POLL_INTERVAL", time.Second)
	collect(err)
	cfg.Relay.BatchSize, err = config.Int("OUTBOX_BATCH_SIZE", 100)
	collect(err)
	cfg.Relay.MaxAttempts, err = config.Int("OUTBOX_MAX_ATTEMPTS", 10)
	collect(err)
	var base, maxDelay time.Duration
	base, err = config.Duration("OUTBOX_BASE_BACKOFF", time.Second)
	collect(err)
	maxDelay, err = config.Duration("OUTBOX_MAX_BACKOFF", 5*time.Minute)
	collect(err)
	cfg.Relay.Backoff = backoff.Policy{Base: base, Max: maxDelay}
	cfg.Relay.Retention, err = config.Duration("OUTBOX_RETENTION", 7*24*time.Hour)
	collect(err)
	cfg.PurgeEvery, err = config.Duration("OUTBOX_PURGE_INTERVAL", time.Hour)
	collect(err)
	cfg.OutboxStallAfter, err = config.Duration("OUTBOX_STALL_AFTER", 0)
	collect(err)

	var failures int
	failures, err = config.Int("BROKER_BREAKER_FAILURES", 5)
	collect(err)
	cfg.Breaker = outbox.BreakerConfig{Name: "kafka", ConsecutiveFailures: uint32(max(failures, 0))}
	cfg.Breaker.OpenFor, err = config.Duration("BROKER_BREAKER_OPEN_FOR", 30*time.Second)
	collect(err)

	var threshold int
	threshold, err = config.Int("SNAPSHOT_THRESHOLD", 100)
	collect(err)
	cfg.Compactor.Threshold = int64(threshold)
	cfg.Compactor.Interval, err = config.Duration("SNAPSHOT_INTERVAL", 30*time.Second)
	collect(err)

	cfg.Sweeper.Interval, err = config.Duration("SAGA_SWEEP_INTERVAL", 5*time.Second)
	collect(err)
	cfg.Sweeper.Retention, err = config.Duration("SAGA_RETENTION", 30*24*time.Hour)
	collect(err)

	defaultLock := LockPostgres
	if cfg.Storage == StorageMemory {
		defaultLock = LockLocal
	}
	cfg.LockBackend, err = config.OneOf("LOCK_BACKEND", defaultLock, LockPostgres, LockRedis, LockLocal)
	collect(err)
	cfg.LockExpiry, err = config.Duration("LOCK_EXPIRY", time.Minute)
	collect(err)
	cfg.RateLimitPerMinute, err = config.Int("RATE_LIMIT_PER_MINUTE", 600)
	collect(err)
	cfg.RequestTimeout, err = config.Duration("REQUEST_TIMEOUT", 15*time.Second)
	collect(err)
	cfg.DeadLetter, err = config.OneOf("DEAD_LETTER", DeadLetterNone, DeadLetterNone, DeadLetterRabbitMQ)
	collect(err)

	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}

func (c Config) validate() error {
	var errs []error
	if c.LockBackend == LockPostgres && c.Storage != StoragePostgres {
		errs = append(errs, fmt.Errorf("LOCK_BACKEND=postgres needs STORAGE=postgres"))
	}
	if c.needsRedis() && c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required for the redis lock and rate limiting"))
	}
	if c.DeadLetter == DeadLetterRabbitMQ && c.AMQPURL == "" {
		errs = append(errs, errors.New("AMQP_URL is required when DEAD_LETTER=rabbitmq"))
	}
	return errors.Join(errs...)
}

func (c Config) needsRedis() bool {
	return c.LockBackend == LockRedis || c.RateLimitPerMinute > 0
}
