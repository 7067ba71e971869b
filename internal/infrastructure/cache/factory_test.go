package cache

import (
	"testing"
	"time"

	"github.com/chatsaas/backend/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unreachableRedis() config.RedisConfig {
	return config.RedisConfig{Host: "127.0.0.1", Port: 1}
}

func TestStoreFactory_CreateInMemoryStores(t *testing.T) {
	f := NewStoreFactory(unreachableRedis(), config.AdmissionConfig{KeyPrefix: "test:", CounterRetention: time.Hour})

	stores := f.CreateInMemoryStores()
	require.NotNil(t, stores.Counters)
	require.NotNil(t, stores.Memberships)
	require.NotNil(t, stores.Idempotency)
	assert.Len(t, stores.Health, 2)
	assert.NoError(t, stores.Close())
}

func TestStoreFactory_CreateIdempotencyStore(t *testing.T) {
	t.Run("falls back to memory when allowed", func(t *testing.T) {
		f := NewStoreFactory(unreachableRedis(), config.AdmissionConfig{})

		store, closeFn, err := f.CreateIdempotencyStore()
		require.NoError(t, err)
		assert.IsType(t, &InMemoryIdempotencyStore{}, store)
		assert.NoError(t, closeFn())
	})

	t.Run("fails when fallback is disabled", func(t *testing.T) {
		f := NewStoreFactory(unreachableRedis(), config.AdmissionConfig{}, WithInMemoryFallback(false))

		_, _, err := f.CreateIdempotencyStore()
		assert.Error(t, err)
	})
}

func TestStoreFactory_CreateRedisStores_Unreachable(t *testing.T) {
	f := NewStoreFactory(unreachableRedis(), config.AdmissionConfig{})
	_, err := f.CreateRedisStores()
	assert.Error(t, err)
}
