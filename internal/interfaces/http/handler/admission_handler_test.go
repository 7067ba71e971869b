package handler

import (
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/chatsaas/backend/internal/interfaces/http/dto"
	"github.com/chatsaas/backend/internal/interfaces/http/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserve_AllowsUntilHourlyLimitThenReturns429(t *testing.T) {
	api := newTestAPI(t)

	for i := 1; i <= 8; i++ {
		res := api.reserve(t, "user-1", "free", "inference_request", 1)
		require.Equal(t, http.StatusOK, res.rec.Code, "request %d", i)
		assert.Equal(t, true, res.data()["allowed"])
		assert.Equal(t, float64(8-i), res.data()["remaining"].(map[string]any)["hour"])
	}

	res := api.reserve(t, "user-1", "free", "inference_request", 1)
	assert.Equal(t, http.StatusTooManyRequests, res.rec.Code)
	assert.Equal(t, dto.ErrCodeQuotaExceeded, res.resp.Error.Code)
	assert.Equal(t, "1987", res.rec.Header().Get("Retry-After"))

	details := res.details()
	assert.Equal(t, "hour", details["granularity"])
	assert.Equal(t, float64(1987), details["retry_after_seconds"])
	assert.Equal(t, float64(8), details["usage"].(map[string]any)["hour"])
	assert.Equal(t, float64(8), details["limits"].(map[string]any)["hour"])
	assert.Equal(t, float64(0), details["remaining"].(map[string]any)["hour"])
}

func TestReserve_ConcurrentRequestsNeverExceedLimit(t *testing.T) {
	api := newTestAPI(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := api.reserve(t, "user-race", "free", "inference_request", 1)
			if res.rec.Code == http.StatusOK {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, allowed)
}

func TestReserve_BatchIsAllOrNothing(t *testing.T) {
	api := newTestAPI(t)

	res := api.reserve(t, "user-2", "free", "file_upload", 15)
	require.Equal(t, http.StatusOK, res.rec.Code)

	res = api.reserve(t, "user-2", "free", "file_upload", 6)
	assert.Equal(t, http.StatusTooManyRequests, res.rec.Code)
	assert.Equal(t, "day", res.details()["granularity"])

	// the denied batch consumed nothing
	res = api.reserve(t, "user-2", "free", "file_upload", 5)
	assert.Equal(t, http.StatusOK, res.rec.Code)
}

func TestReserve_UnboundedResource(t *testing.T) {
	api := newTestAPI(t)

	res := api.reserve(t, "user-3", "premium", "room_creation", 1)
	require.Equal(t, http.StatusOK, res.rec.Code)
	assert.Equal(t, true, res.data()["unbounded"])
	assert.NotContains(t, res.data(), "limits")
}

func TestReserve_IdempotencyKeyConsumesOnce(t *testing.T) {
	api := newTestAPI(t)

	first := api.reserve(t, "user-4", "free", "reasoning_request", 1, middleware.IdempotencyKeyHeader, "msg-1")
	require.Equal(t, http.StatusOK, first.rec.Code)
	assert.NotContains(t, first.data(), "duplicate")

	retry := api.reserve(t, "user-4", "free", "reasoning_request", 1, middleware.IdempotencyKeyHeader, "msg-1")
	require.Equal(t, http.StatusOK, retry.rec.Code)
	assert.Equal(t, true, retry.data()["duplicate"])

	// hourly reasoning limit is 2; the retry did not count
	require.Equal(t, http.StatusOK, api.reserve(t, "user-4", "free", "reasoning_request", 1).rec.Code)
	assert.Equal(t, http.StatusTooManyRequests, api.reserve(t, "user-4", "free", "reasoning_request", 1).rec.Code)
}

func TestReserve_IdempotencyKeyReusedForDifferentRequest(t *testing.T) {
	api := newTestAPI(t)

	first := api.reserve(t, "user-5", "free", "inference_request", 1, middleware.IdempotencyKeyHeader, "msg-2")
	require.Equal(t, http.StatusOK, first.rec.Code)

	res := api.reserve(t, "user-5", "free", "inference_request", 4, middleware.IdempotencyKeyHeader, "msg-2")
	assert.Equal(t, http.StatusUnprocessableEntity, res.rec.Code)
	require.NotNil(t, res.resp.Error)
	assert.Equal(t, dto.ErrCodeIdempotencyKeyReused, res.resp.Error.Code)

	usage := api.reserve(t, "user-5", "free", "inference_request", 1)
	require.Equal(t, http.StatusOK, usage.rec.Code)
	assert.EqualValues(t, 2, usage.data()["usage"].(map[string]any)["hour"])
}

func TestReserve_InputErrors(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name     string
		tier     string
		resource string
		status   int
		code     string
	}{
		{"unknown tier", "gold", "inference_request", http.StatusBadRequest, dto.ErrCodeConfiguration},
		{"unknown resource", "free", "video_call", http.StatusBadRequest, dto.ErrCodeConfiguration},
		{"concurrency capped resource", "free", "room_membership", http.StatusBadRequest, dto.ErrCodeConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := api.reserve(t, "user-5", tt.tier, tt.resource, 1)
			assert.Equal(t, tt.status, res.rec.Code)
			assert.Equal(t, tt.code, res.resp.Error.Code)
		})
	}

	t.Run("missing subject", func(t *testing.T) {
		res := api.reserve(t, "", "free", "inference_request", 1)
		assert.Equal(t, http.StatusBadRequest, res.rec.Code)
		assert.Equal(t, dto.ErrCodeValidation, res.resp.Error.Code)
	})
}

func TestReserve_StoreUnavailable(t *testing.T) {
	api := newTestAPI(t, withCounters(downStore{}))

	t.Run("cost bearing resource fails closed", func(t *testing.T) {
		res := api.reserve(t, "user-6", "free", "inference_request", 1)
		assert.Equal(t, http.StatusServiceUnavailable, res.rec.Code)
		assert.Equal(t, dto.ErrCodeStoreUnavailable, res.resp.Error.Code)
		assert.Equal(t, "1", res.rec.Header().Get("Retry-After"))
		assert.NotContains(t, res.resp.Error.Message, "10.0.0.5", "driver details stay in logs")
	})

	t.Run("fail-open resource is admitted", func(t *testing.T) {
		res := api.reserve(t, "user-6", "free", "membership_probe", 1)
		require.Equal(t, http.StatusOK, res.rec.Code)
		assert.Equal(t, true, res.data()["fail_open"])
	})
}

func TestReserve_RequiresAuthentication(t *testing.T) {
	api := newTestAPI(t)

	res := api.do(t, http.MethodPost, "/api/v1/admission/reserve", "", ReserveRequest{
		SubjectID: "user-7", Tier: "free", Resource: "inference_request",
	})
	assert.Equal(t, http.StatusUnauthorized, res.rec.Code)
}

func TestRelease(t *testing.T) {
	api := newTestAPI(t)

	t.Run("windowed resource is a no-op", func(t *testing.T) {
		res := api.do(t, http.MethodPost, "/api/v1/admission/release", api.callerJWT, ReleaseRequest{
			SubjectID: "user-8", Resource: "inference_request",
		})
		require.Equal(t, http.StatusOK, res.rec.Code)
		assert.Equal(t, false, res.data()["released"])
	})

	t.Run("room membership leaves", func(t *testing.T) {
		require.Equal(t, http.StatusOK, api.join(t, "user-8", "free", "room-a").rec.Code)
		res := api.do(t, http.MethodPost, "/api/v1/admission/release", api.callerJWT, ReleaseRequest{
			SubjectID: "user-8", Resource: "room_membership", InstanceID: "room-a",
		})
		require.Equal(t, http.StatusOK, res.rec.Code)
		assert.Equal(t, true, res.data()["released"])
	})

	t.Run("room membership without instance", func(t *testing.T) {
		res := api.do(t, http.MethodPost, "/api/v1/admission/release", api.callerJWT, ReleaseRequest{
			SubjectID: "user-8", Resource: "room_membership",
		})
		assert.Equal(t, http.StatusBadRequest, res.rec.Code)
		assert.Equal(t, dto.ErrCodeInvalidInput, res.resp.Error.Code)
	})
}

func TestJoin_CapScenario(t *testing.T) {
	api := newTestAPI(t)

	for _, room := range []string{"A", "B", "C"} {
		res := api.join(t, "user-9", "free", room)
		require.Equal(t, http.StatusOK, res.rec.Code, room)
	}

	res := api.join(t, "user-9", "free", "D")
	assert.Equal(t, http.StatusTooManyRequests, res.rec.Code)
	assert.Equal(t, dto.ErrCodeMembershipLimit, res.resp.Error.Code)
	details := res.details()
	assert.Equal(t, float64(3), details["current_count"])
	assert.Equal(t, float64(3), details["max_allowed"])
	assert.ElementsMatch(t, []any{"A", "B", "C"}, details["current_instances"])

	// rejoining a held room is not a new slot
	res = api.join(t, "user-9", "free", "B")
	require.Equal(t, http.StatusOK, res.rec.Code)
	assert.Equal(t, true, res.data()["already_member"])

	// leaving frees exactly one slot
	res = api.do(t, http.MethodPost, "/api/v1/memberships/leave", api.callerJWT, LeaveRequest{SubjectID: "user-9", InstanceID: "A"})
	require.Equal(t, http.StatusOK, res.rec.Code)
	assert.Equal(t, true, res.data()["released"])

	require.Equal(t, http.StatusOK, api.join(t, "user-9", "free", "D").rec.Code)
	assert.Equal(t, http.StatusTooManyRequests, api.join(t, "user-9", "free", "E").rec.Code)
}

func TestJoin_StoreUnavailable(t *testing.T) {
	api := newTestAPI(t, withMemberships(downStore{}))

	res := api.join(t, "user-10", "free", "A")
	assert.Equal(t, http.StatusServiceUnavailable, res.rec.Code)
	assert.Equal(t, "1", res.rec.Header().Get("Retry-After"))
}

func TestEvict(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusOK, api.join(t, "user-11", "free", "A").rec.Code)

	evict := func(token string) apiResult {
		return api.do(t, http.MethodPost, "/api/v1/memberships/evict", token, EvictRequest{
			SubjectID: "user-11", InstanceID: "A", Reason: "abuse",
		})
	}

	t.Run("admission scope is forbidden", func(t *testing.T) {
		res := evict(api.callerJWT)
		assert.Equal(t, http.StatusForbidden, res.rec.Code)
	})

	t.Run("admin evicts once", func(t *testing.T) {
		res := evict(api.adminJWT)
		require.Equal(t, http.StatusOK, res.rec.Code)
		assert.Equal(t, true, res.data()["evicted"])

		res = evict(api.adminJWT)
		require.Equal(t, http.StatusOK, res.rec.Code)
		assert.Equal(t, false, res.data()["evicted"])
	})
}

func TestEnforce_EvictsNewestUntilWithinCap(t *testing.T) {
	api := newTestAPI(t)
	for i := range 5 {
		require.Equal(t, http.StatusOK, api.join(t, "user-12", "basic", fmt.Sprintf("room-%d", i)).rec.Code)
	}

	res := api.do(t, http.MethodPost, "/api/v1/memberships/enforce", api.adminJWT, EnforceRequest{
		SubjectID: "user-12", Tier: "anonymous",
	})
	require.Equal(t, http.StatusOK, res.rec.Code)
	assert.Len(t, res.data()["evicted"], 4)

	res = api.do(t, http.MethodPost, "/api/v1/memberships/enforce", api.adminJWT, EnforceRequest{
		SubjectID: "user-12", Tier: "anonymous",
	})
	require.Equal(t, http.StatusOK, res.rec.Code)
	assert.Empty(t, res.data()["evicted"])
}

func TestUsage(t *testing.T) {
	api := newTestAPI(t)
	for range 3 {
		require.Equal(t, http.StatusOK, api.reserve(t, "user-13", "free", "inference_request", 1).rec.Code)
	}
	require.Equal(t, http.StatusOK, api.join(t, "user-13", "free", "A").rec.Code)

	res := api.do(t, http.MethodGet, "/api/v1/subjects/user-13/usage?tier=free", api.callerJWT, nil)
	require.Equal(t, http.StatusOK, res.rec.Code)

	data := res.data()
	assert.Equal(t, "user-13", data["subject_id"])
	assert.Equal(t, []any{"A"}, data["active_members"])
	assert.Equal(t, float64(3), data["max_concurrent"])

	var hourly map[string]any
	for _, e := range data["entries"].([]any) {
		entry := e.(map[string]any)
		if entry["resource"] == "inference_request" && entry["granularity"] == "hour" {
			hourly = entry
		}
	}
	require.NotNil(t, hourly)
	assert.Equal(t, float64(3), hourly["used"])
	assert.Equal(t, float64(5), hourly["remaining"])

	t.Run("tier is required", func(t *testing.T) {
		res := api.do(t, http.MethodGet, "/api/v1/subjects/user-13/usage", api.callerJWT, nil)
		assert.Equal(t, http.StatusBadRequest, res.rec.Code)
	})
}
