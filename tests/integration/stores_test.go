package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/chatsaas/backend/internal/infrastructure/auth"
	"github.com/chatsaas/backend/internal/infrastructure/cache"
	"github.com/chatsaas/backend/internal/infrastructure/event"
	"github.com/chatsaas/backend/internal/infrastructure/persistence"
	"github.com/chatsaas/backend/internal/infrastructure/scheduler"
	"github.com/chatsaas/backend/tests/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_IdempotentReservation(t *testing.T) {
	client := NewTestRedis(t)
	counters := cache.NewRedisUsageCounterStore(client, cache.WithKeyPrefix("it:idem:"))
	b := backend{
		counters:    counters,
		memberships: cache.NewRedisMembershipStore(client, cache.WithKeyPrefix("it:idem:")),
		checker:     counters,
	}
	svc := newService(t, b, testutil.NewClock(start))
	idem := cache.NewRedisIdempotencyStoreWithClient(client, "it:idem:")
	svc.UseIdempotency(idem, time.Hour)
	ctx := testutil.ContextWithTimeout(t, 10*time.Second)

	first, err := svc.CheckAndReserveOnce(ctx, "req-1", "idem-user", admission.TierFree, admission.ResourceReasoningRequest, 1)
	require.NoError(t, err)
	require.True(t, first.Allowed)
	assert.False(t, first.Duplicate)

	retry, err := svc.CheckAndReserveOnce(ctx, "req-1", "idem-user", admission.TierFree, admission.ResourceReasoningRequest, 1)
	require.NoError(t, err)
	assert.True(t, retry.Allowed)
	assert.True(t, retry.Duplicate)

	second, err := svc.CheckAndReserveOnce(ctx, "req-2", "idem-user", admission.TierFree, admission.ResourceReasoningRequest, 1)
	require.NoError(t, err)
	require.True(t, second.Allowed, "retry did not consume the second reasoning slot")
	assert.Equal(t, int64(2), second.Usage[admission.GranularityHour])

	// a key another instance is still applying is refused, not granted
	_, claimed, err := idem.Claim(ctx, "reserve:idem-user:req-3", "free:reasoning_request:1", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	inFlight, err := svc.CheckAndReserveOnce(ctx, "req-3", "idem-user", admission.TierFree, admission.ResourceReasoningRequest, 1)
	require.ErrorIs(t, err, admission.ErrConcurrencyConflict)
	assert.False(t, inFlight.Allowed)

	_, err = svc.CheckAndReserveOnce(ctx, "req-1", "idem-user", admission.TierFree, admission.ResourceInferenceRequest, 1)
	require.ErrorIs(t, err, admission.ErrIdempotencyKeyReused)
}

func TestRedis_CountersExpireAfterRetention(t *testing.T) {
	client := NewTestRedis(t)
	store := cache.NewRedisUsageCounterStore(client,
		cache.WithKeyPrefix("it:ttl:"),
		cache.WithRetention(time.Hour),
	)
	ctx := testutil.ContextWithTimeout(t, 10*time.Second)
	now := time.Now()

	current := admission.NewCounterKey("ttl-user", admission.ResourceInferenceRequest, admission.GranularityHour, now)
	_, err := store.TryIncrement(ctx, current, 1, 8)
	require.NoError(t, err)

	keys, err := client.Keys(ctx, "it:ttl:*").Result()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	ttl, err := client.TTL(ctx, keys[0]).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, admission.PeriodEnd(current.PeriodStart, current.Granularity).Add(time.Hour).Sub(now))
	assert.Greater(t, ttl, time.Hour-time.Minute)

	// a window that closed before the retention period is dropped at once
	stale := admission.NewCounterKey("ttl-user", admission.ResourceInferenceRequest, admission.GranularityHour, now.Add(-24*time.Hour))
	_, err = store.TryIncrement(ctx, stale, 1, 8)
	require.NoError(t, err)
	used, err := store.Peek(ctx, stale)
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestRedis_OverflowNeverLeavesCounterBehind(t *testing.T) {
	client := NewTestRedis(t)
	store := cache.NewRedisUsageCounterStore(client,
		cache.WithKeyPrefix("it:overflow:"),
		cache.WithRetention(time.Hour),
	)
	ctx := testutil.ContextWithTimeout(t, 10*time.Second)
	now := time.Now()

	// an expired window: the overflow path must not turn the counter negative
	stale := admission.NewCounterKey("overflow-user", admission.ResourceInferenceRequest, admission.GranularityHour, now.Add(-24*time.Hour))
	res, err := store.TryIncrement(ctx, stale, 9, 8)
	require.NoError(t, err)
	assert.True(t, res.WouldExceed)
	assert.Zero(t, res.NewCount)
	used, err := store.Peek(ctx, stale)
	require.NoError(t, err)
	assert.Zero(t, used)

	// a fresh key denied on its first increment is removed rather than left without a TTL
	current := admission.NewCounterKey("overflow-user", admission.ResourceFileUpload, admission.GranularityDay, now)
	res, err = store.TryIncrement(ctx, current, 21, 20)
	require.NoError(t, err)
	assert.True(t, res.WouldExceed)

	keys, err := client.Keys(ctx, "it:overflow:*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRedis_TokenBlacklist(t *testing.T) {
	client := NewTestRedis(t)
	blacklist := auth.NewRedisTokenBlacklist(client, "it:")
	ctx := testutil.ContextWithTimeout(t, 10*time.Second)

	revoked, err := blacklist.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, blacklist.AddToBlacklist(ctx, "jti-1", time.Minute))
	revoked, err = blacklist.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestPostgres_RetentionJanitorPrunesClosedWindows(t *testing.T) {
	tdb := NewTestDB(t)
	repo := persistence.NewUsageCounterRepository(tdb.DB)
	ctx := testutil.ContextWithTimeout(t, 30*time.Second)

	now := time.Now().UTC()
	stale := admission.NewCounterKey("janitor-user", admission.ResourceInferenceRequest, admission.GranularityHour, now.Add(-72*time.Hour))
	current := admission.NewCounterKey("janitor-user", admission.ResourceInferenceRequest, admission.GranularityHour, now)
	month := admission.NewCounterKey("janitor-user", admission.ResourceInferenceRequest, admission.GranularityMonth, now)
	for _, k := range []admission.CounterKey{stale, current, month} {
		_, err := repo.TryIncrement(ctx, k, 1, 100)
		require.NoError(t, err)
	}

	janitor, err := scheduler.NewRetentionJanitor(scheduler.RetentionConfig{
		Retention:     24 * time.Hour,
		CheckInterval: time.Hour,
		RunTimeout:    10 * time.Second,
	}, repo, testutil.Logger(t))
	require.NoError(t, err)

	deleted, err := janitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	for _, k := range []admission.CounterKey{current, month} {
		used, err := repo.Peek(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, int64(1), used, k.Granularity.String())
	}
	used, err := repo.Peek(context.Background(), stale)
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestRedis_EvictionEventsForwarded(t *testing.T) {
	client := NewTestRedis(t)
	ctx := testutil.ContextWithTimeout(t, 10*time.Second)

	sub := client.Subscribe(ctx, "it:events")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err, "subscription confirmed")

	bus := event.NewInMemoryEventBus(testutil.Logger(t))
	bus.Subscribe(event.NewRedisForwarder(client, "it:events", admission.EventTypeMembershipEvicted))

	counters := cache.NewRedisUsageCounterStore(client, cache.WithKeyPrefix("it:events:"))
	svc := newService(t, backend{
		counters:    counters,
		memberships: cache.NewRedisMembershipStore(client, cache.WithKeyPrefix("it:events:")),
		checker:     counters,
	}, testutil.NewClock(start))
	svc.UseEvents(bus)

	res, err := svc.JoinResource(ctx, "event-user", admission.TierFree, "room-1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	removed, err := svc.EvictResource(ctx, "event-user", "room-1", "moderation")
	require.NoError(t, err)
	require.True(t, removed)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var env event.Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, admission.EventTypeMembershipEvicted, env.Type)

	var evicted admission.MembershipEvictedEvent
	require.NoError(t, json.Unmarshal(env.Payload, &evicted))
	assert.Equal(t, "event-user", evicted.SubjectID)
	assert.Equal(t, "room-1", evicted.InstanceID)
	assert.Equal(t, "moderation", evicted.Reason)
	assert.True(t, start.Equal(evicted.Timestamp))
}
