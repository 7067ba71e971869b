package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/redis/go-redis/v9"
)

// RedisUsageCounterStore implements UsageCounterStore on Redis.
// Every mutation is a single Lua script, so concurrent callers on any number
// of instances are totally ordered per counter key.
type RedisUsageCounterStore struct {
	client    redis.Cmdable
	keyPrefix string
	retention time.Duration
}

// RedisStoreOption configures the Redis admission stores
type RedisStoreOption func(*redisStoreOptions)

type redisStoreOptions struct {
	keyPrefix string
	retention time.Duration
}

// WithKeyPrefix sets the Redis key prefix (default "admission:")
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(o *redisStoreOptions) {
		if prefix != "" {
			o.keyPrefix = prefix
		}
	}
}

// WithRetention sets how long a counter is kept after its period ends
func WithRetention(d time.Duration) RedisStoreOption {
	return func(o *redisStoreOptions) {
		o.retention = d
	}
}

func applyRedisOptions(opts []RedisStoreOption) redisStoreOptions {
	o := redisStoreOptions{
		keyPrefix: "admission:",
		retention: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewRedisUsageCounterStore creates a counter store on an existing client
func NewRedisUsageCounterStore(client redis.Cmdable, opts ...RedisStoreOption) *RedisUsageCounterStore {
	o := applyRedisOptions(opts)
	return &RedisUsageCounterStore{
		client:    client,
		keyPrefix: o.keyPrefix,
		retention: o.retention,
	}
}

// counterKey places all keys of one subject in the same cluster slot
func (s *RedisUsageCounterStore) counterKey(key admission.CounterKey) string {
	return fmt.Sprintf("%scounter:{%s}:%s:%s:%d",
		s.keyPrefix, key.SubjectID, key.Resource, key.Granularity, key.PeriodStart.UTC().Unix())
}

// tryIncrementScript increments, compares against the limit and undoes the
// increment on overflow, all inside one script. The expiry is only set on an
// applied increment; an overflow that leaves the counter at zero removes the
// key it may have created.
// KEYS[1] = counter key
// ARGV[1] = amount
// ARGV[2] = limit
// ARGV[3] = expire at (unix seconds)
//
// Returns {count, exceeded}
var tryIncrementScript = redis.NewScript(`
local n = redis.call("INCRBY", KEYS[1], ARGV[1])
if n > tonumber(ARGV[2]) then
    n = redis.call("DECRBY", KEYS[1], ARGV[1])
    if n <= 0 then
        redis.call("DEL", KEYS[1])
        n = 0
    end
    return {n, 1}
end
redis.call("EXPIREAT", KEYS[1], ARGV[3])
return {n, 0}
`)

// decrementScript lowers a counter without letting it go below zero.
// KEYS[1] = counter key
// ARGV[1] = amount
var decrementScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
if cur <= 0 then
    return 0
end
local dec = math.min(cur, tonumber(ARGV[1]))
return redis.call("DECRBY", KEYS[1], dec)
`)

// TryIncrement adds amount if the result stays within limit
func (s *RedisUsageCounterStore) TryIncrement(ctx context.Context, key admission.CounterKey, amount, limit int64) (admission.IncrementResult, error) {
	expireAt := admission.PeriodEnd(key.PeriodStart, key.Granularity).Add(s.retention).Unix()

	vals, err := tryIncrementScript.Run(ctx, s.client,
		[]string{s.counterKey(key)},
		amount, limit, expireAt,
	).Int64Slice()
	if err != nil {
		return admission.IncrementResult{}, admission.StoreUnavailable("redis try increment", err)
	}
	if len(vals) != 2 {
		return admission.IncrementResult{}, admission.StoreUnavailable("redis try increment",
			fmt.Errorf("unexpected script reply length %d", len(vals)))
	}
	return admission.IncrementResult{NewCount: vals[0], WouldExceed: vals[1] == 1}, nil
}

// Decrement removes amount from the counter, never below zero
func (s *RedisUsageCounterStore) Decrement(ctx context.Context, key admission.CounterKey, amount int64) error {
	if err := decrementScript.Run(ctx, s.client, []string{s.counterKey(key)}, amount).Err(); err != nil {
		return admission.StoreUnavailable("redis decrement", err)
	}
	return nil
}

// Peek returns the current count
func (s *RedisUsageCounterStore) Peek(ctx context.Context, key admission.CounterKey) (int64, error) {
	v, err := s.client.Get(ctx, s.counterKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, admission.StoreUnavailable("redis peek", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, admission.StoreUnavailable("redis peek", err)
	}
	return n, nil
}

// Ping checks that Redis is reachable
func (s *RedisUsageCounterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var (
	_ admission.UsageCounterStore = (*RedisUsageCounterStore)(nil)
	_ admission.HealthChecker     = (*RedisUsageCounterStore)(nil)
)
