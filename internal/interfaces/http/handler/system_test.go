package handler

import (
	"net/http"
	"runtime"
	"testing"

	"github.com/chatsaas/backend/internal/interfaces/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	api := newTestAPI(t, withCheckers(downStore{}))

	// liveness never consults storage
	res := api.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, res.rec.Code)
	assert.Equal(t, "healthy", res.data()["status"])
	assert.Equal(t, "test", res.data()["version"])
	assert.Equal(t, "2025.1", res.data()["catalog_version"])
	assert.Equal(t, runtime.Version(), res.data()["go_version"])
}

func TestReady(t *testing.T) {
	t.Run("stores reachable", func(t *testing.T) {
		api := newTestAPI(t)
		res := api.do(t, http.MethodGet, "/ready", "", nil)
		require.Equal(t, http.StatusOK, res.rec.Code)
		assert.Equal(t, "ready", res.data()["status"])
	})

	t.Run("store unreachable", func(t *testing.T) {
		api := newTestAPI(t, withCheckers(downStore{}))
		res := api.do(t, http.MethodGet, "/ready", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, res.rec.Code)
		assert.Equal(t, "unavailable", res.data()["status"])
		require.NotNil(t, res.resp.Error)
		assert.Equal(t, dto.ErrCodeStoreUnavailable, res.resp.Error.Code)
	})
}
