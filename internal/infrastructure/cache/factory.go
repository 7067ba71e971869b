package cache

import (
	"fmt"
	"time"

	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/chatsaas/backend/internal/domain/shared"
	"github.com/chatsaas/backend/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stores groups the admission stores built by StoreFactory
type Stores struct {
	Counters    admission.UsageCounterStore
	Memberships admission.MembershipStore
	Idempotency shared.IdempotencyStore
	Health      []admission.HealthChecker
	closers     []func() error
}

// Close releases every resource held by the stores
func (s *Stores) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StoreFactory creates Redis or in-memory admission stores based on configuration
type StoreFactory struct {
	redisConfig           config.RedisConfig
	keyPrefix             string
	retention             time.Duration
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// StoreFactoryOption is a functional option for configuring the factory
type StoreFactoryOption func(*StoreFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether the idempotency store falls back to
// memory when Redis is unavailable. Counters and memberships never fall back:
// a per-process counter would multiply every limit by the instance count.
func WithInMemoryFallback(allow bool) StoreFactoryOption {
	return func(f *StoreFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewStoreFactory creates a new factory
func NewStoreFactory(redisCfg config.RedisConfig, admissionCfg config.AdmissionConfig, opts ...StoreFactoryOption) *StoreFactory {
	f := &StoreFactory{
		redisConfig:           redisCfg,
		keyPrefix:             admissionCfg.KeyPrefix,
		retention:             admissionCfg.CounterRetention,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

func (f *StoreFactory) connect() (*redis.Client, error) {
	return NewRedisClient(RedisConfig{
		Host:     f.redisConfig.Host,
		Port:     f.redisConfig.Port,
		Password: f.redisConfig.Password,
		DB:       f.redisConfig.DB,
		PoolSize: f.redisConfig.PoolSize,
	})
}

// CreateRedisStores creates counter, membership and idempotency stores on Redis
func (f *StoreFactory) CreateRedisStores() (*Stores, error) {
	client, err := f.connect()
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis admission stores: %w", err)
	}

	opts := []RedisStoreOption{WithKeyPrefix(f.keyPrefix), WithRetention(f.retention)}
	counters := NewRedisUsageCounterStore(client, opts...)
	memberships := NewRedisMembershipStore(client, opts...)

	f.logger.Info("using Redis admission stores",
		zap.String("addr", fmt.Sprintf("%s:%d", f.redisConfig.Host, f.redisConfig.Port)),
		zap.String("key_prefix", f.keyPrefix),
	)
	return &Stores{
		Counters:    counters,
		Memberships: memberships,
		Idempotency: NewRedisIdempotencyStoreWithClient(client, f.keyPrefix+"idempotency:"),
		Health:      []admission.HealthChecker{counters},
		closers:     []func() error{client.Close},
	}, nil
}

// CreateInMemoryStores creates process-local stores
// WARNING: In-memory stores do not share state across process instances, so
// limits are enforced per instance only
func (f *StoreFactory) CreateInMemoryStores() *Stores {
	counters := NewInMemoryUsageCounterStore(f.retention)
	memberships := NewInMemoryMembershipStore()
	idem := NewInMemoryIdempotencyStore()

	f.logger.Warn("using in-memory admission stores; limits are not shared between instances")
	return &Stores{
		Counters:    counters,
		Memberships: memberships,
		Idempotency: idem,
		Health:      []admission.HealthChecker{counters, memberships},
		closers:     []func() error{counters.Close, idem.Close},
	}
}

// CreateIdempotencyStore creates an idempotency store for a backend that keeps
// counters elsewhere. It tries Redis first and falls back to memory when allowed.
func (f *StoreFactory) CreateIdempotencyStore() (shared.IdempotencyStore, func() error, error) {
	client, err := f.connect()
	if err == nil {
		f.logger.Info("using Redis idempotency store")
		return NewRedisIdempotencyStoreWithClient(client, f.keyPrefix+"idempotency:"), client.Close, nil
	}

	if !f.allowInMemoryFallback {
		return nil, nil, fmt.Errorf("Redis required for idempotency but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory idempotency store. "+
		"Retried reservations may be applied twice across instances.",
		zap.Error(err),
	)
	store := NewInMemoryIdempotencyStore()
	return store, store.Close, nil
}
