package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	admissionapp "github.com/chatsaas/backend/internal/application/admission"
	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/chatsaas/backend/internal/infrastructure/auth"
	"github.com/chatsaas/backend/internal/infrastructure/cache"
	"github.com/chatsaas/backend/internal/infrastructure/config"
	"github.com/chatsaas/backend/internal/interfaces/http/dto"
	"github.com/chatsaas/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testNow is 33m07s before the hour ends
var testNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// downStore fails every call as an unreachable backend would
type downStore struct{}

var errConnRefused = errors.New("dial tcp 10.0.0.5:6379: connect: connection refused")

func (downStore) TryIncrement(context.Context, admission.CounterKey, int64, int64) (admission.IncrementResult, error) {
	return admission.IncrementResult{}, admission.StoreUnavailable("try increment", errConnRefused)
}

func (downStore) Decrement(context.Context, admission.CounterKey, int64) error {
	return admission.StoreUnavailable("decrement", errConnRefused)
}

func (downStore) Peek(context.Context, admission.CounterKey) (int64, error) {
	return 0, admission.StoreUnavailable("peek", errConnRefused)
}

func (downStore) TryJoin(context.Context, string, string, int, time.Time) (admission.JoinOutcome, error) {
	return admission.JoinOutcome{}, admission.StoreUnavailable("try join", errConnRefused)
}

func (downStore) Leave(context.Context, string, string) (bool, error) {
	return false, admission.StoreUnavailable("leave", errConnRefused)
}

func (downStore) ListCurrent(context.Context, string) ([]admission.Membership, error) {
	return nil, admission.StoreUnavailable("list", errConnRefused)
}

func (downStore) Ping(context.Context) error {
	return errConnRefused
}

type testAPI struct {
	engine    *gin.Engine
	service   *admissionapp.Service
	callerJWT string
	adminJWT  string
}

type apiOptions struct {
	counters    admission.UsageCounterStore
	memberships admission.MembershipStore
	checkers    []admission.HealthChecker
}

func newTestAPI(t *testing.T, opts ...func(*apiOptions)) *testAPI {
	t.Helper()
	require.NoError(t, middleware.SetupValidator())

	counters := cache.NewInMemoryUsageCounterStore(24 * time.Hour)
	t.Cleanup(func() { _ = counters.Close() })
	idem := cache.NewInMemoryIdempotencyStore()
	t.Cleanup(func() { _ = idem.Close() })
	members := cache.NewInMemoryMembershipStore()

	o := &apiOptions{
		counters:    counters,
		memberships: members,
		checkers:    []admission.HealthChecker{counters, members},
	}
	for _, opt := range opts {
		opt(o)
	}

	engineCfg := admissionapp.QuotaEngineConfig{
		StoreTimeout:       100 * time.Millisecond,
		MaxConflictRetries: 1,
		RetryBaseDelay:     time.Millisecond,
	}
	clock := fixedClock{now: testNow}
	catalog := admission.DefaultCatalog()
	logger := zap.NewNop()
	engine := admissionapp.NewQuotaEngine(catalog, o.counters, clock, logger, engineCfg)
	limiter := admissionapp.NewMembershipLimiter(catalog, o.memberships, clock, logger, engineCfg)
	svc, err := admissionapp.NewService(catalog, engine, limiter, clock, nil, logger, admissionapp.ServiceConfig{
		Engine:            engineCfg,
		FailOpenResources: []admission.ResourceKey{admission.ResourceMembershipProbe},
	})
	require.NoError(t, err)
	svc.UseIdempotency(idem, time.Hour)

	jwtSvc := auth.NewJWTService(config.JWTConfig{
		Secret:          "handler-test-secret-at-least-32-chars",
		Issuer:          "chat-admission",
		TokenExpiration: time.Hour,
	})
	caller, err := jwtSvc.Issue("chat-api", auth.ScopeAdmission)
	require.NoError(t, err)
	admin, err := jwtSvc.Issue("ops-console", auth.ScopeAdmin)
	require.NoError(t, err)

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.JWTAuthMiddlewareWithConfig(middleware.DefaultJWTConfig(jwtSvc)))
	NewSystemHandler(svc, "test", o.checkers...).RegisterProbes(r)
	api := r.Group("/api/v1")
	NewAdmissionHandler(svc).RegisterRoutes(api)
	NewTierHandler(svc).RegisterRoutes(api)

	return &testAPI{
		engine:    r,
		service:   svc,
		callerJWT: caller.Token,
		adminJWT:  admin.Token,
	}
}

func withCounters(s admission.UsageCounterStore) func(*apiOptions) {
	return func(o *apiOptions) { o.counters = s }
}

func withMemberships(s admission.MembershipStore) func(*apiOptions) {
	return func(o *apiOptions) { o.memberships = s }
}

func withCheckers(c ...admission.HealthChecker) func(*apiOptions) {
	return func(o *apiOptions) { o.checkers = c }
}

type apiResult struct {
	rec  *httptest.ResponseRecorder
	resp dto.Response
	raw  map[string]any
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any, headers ...string) apiResult {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(middleware.AuthHeaderKey, middleware.BearerPrefix+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	a.engine.ServeHTTP(rec, req)

	res := apiResult{rec: rec}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res.resp), rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res.raw))
	return res
}

func (r apiResult) data() map[string]any {
	d, _ := r.raw["data"].(map[string]any)
	return d
}

func (r apiResult) details() map[string]any {
	e, _ := r.raw["error"].(map[string]any)
	d, _ := e["details"].(map[string]any)
	return d
}

func (a *testAPI) reserve(t *testing.T, subject, tier, resource string, amount int64, headers ...string) apiResult {
	t.Helper()
	return a.do(t, http.MethodPost, "/api/v1/admission/reserve", a.callerJWT, ReserveRequest{
		SubjectID: subject,
		Tier:      tier,
		Resource:  resource,
		Amount:    amount,
	}, headers...)
}

func (a *testAPI) join(t *testing.T, subject, tier, instance string) apiResult {
	t.Helper()
	return a.do(t, http.MethodPost, "/api/v1/memberships/join", a.callerJWT, JoinRequest{
		SubjectID:  subject,
		Tier:       tier,
		InstanceID: instance,
	})
}
