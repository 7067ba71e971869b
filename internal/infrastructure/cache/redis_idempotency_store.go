package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatsaas/backend/internal/domain/shared"
	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore implements IdempotencyStore using Redis so that
// every instance sees the same request keys. Records are stored as JSON.
type RedisIdempotencyStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisIdempotencyStoreWithClient creates a store with an existing Redis client
func NewRedisIdempotencyStoreWithClient(client redis.Cmdable, keyPrefix string) *RedisIdempotencyStore {
	if keyPrefix == "" {
		keyPrefix = "admission:idempotency:"
	}
	return &RedisIdempotencyStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// claimScript stores a pending record unless one exists.
// KEYS[1] = request key
// ARGV[1] = encoded pending record
// ARGV[2] = ttl (milliseconds)
//
// Returns the existing record, or "" when the key was claimed
var claimScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
    return cur
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return ""
`)

// Claim stores a pending record for fingerprint, or returns the record a
// concurrent or earlier request left under key
func (s *RedisIdempotencyStore) Claim(ctx context.Context, key, fingerprint string, ttl time.Duration) (shared.IdempotencyRecord, bool, error) {
	pending := shared.IdempotencyRecord{Fingerprint: fingerprint}
	encoded, err := json.Marshal(pending)
	if err != nil {
		return shared.IdempotencyRecord{}, false, fmt.Errorf("failed to encode idempotency record: %w", err)
	}

	existing, err := claimScript.Run(ctx, s.client, []string{s.keyPrefix + key}, encoded, max(ttl.Milliseconds(), 1)).Text()
	if err != nil {
		return shared.IdempotencyRecord{}, false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if existing == "" {
		return pending, true, nil
	}

	var record shared.IdempotencyRecord
	if err := json.Unmarshal([]byte(existing), &record); err != nil {
		return shared.IdempotencyRecord{}, false, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return record, false, nil
}

// Complete stores the outcome of an owned key
func (s *RedisIdempotencyStore) Complete(ctx context.Context, key string, record shared.IdempotencyRecord, ttl time.Duration) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, encoded, ttl).Err(); err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// Forget removes a claim
func (s *RedisIdempotencyStore) Forget(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to forget idempotency key: %w", err)
	}
	return nil
}

// Close is a no-op; the shared client is closed by its owner
func (s *RedisIdempotencyStore) Close() error {
	return nil
}

var _ shared.IdempotencyStore = (*RedisIdempotencyStore)(nil)
