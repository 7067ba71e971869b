package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/chatsaas/backend/internal/infrastructure/cache"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock is a controllable admission.Clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Mock implementations

type mockCounterStore struct {
	mock.Mock
}

func (m *mockCounterStore) TryIncrement(ctx context.Context, key admission.CounterKey, amount, limit int64) (admission.IncrementResult, error) {
	args := m.Called(ctx, key, amount, limit)
	return args.Get(0).(admission.IncrementResult), args.Error(1)
}

func (m *mockCounterStore) Decrement(ctx context.Context, key admission.CounterKey, amount int64) error {
	args := m.Called(ctx, key, amount)
	return args.Error(0)
}

func (m *mockCounterStore) Peek(ctx context.Context, key admission.CounterKey) (int64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

type mockMembershipStore struct {
	mock.Mock
}

func (m *mockMembershipStore) TryJoin(ctx context.Context, subjectID, instanceID string, maxAllowed int, joinedAt time.Time) (admission.JoinOutcome, error) {
	args := m.Called(ctx, subjectID, instanceID, maxAllowed, joinedAt)
	return args.Get(0).(admission.JoinOutcome), args.Error(1)
}

func (m *mockMembershipStore) Leave(ctx context.Context, subjectID, instanceID string) (bool, error) {
	args := m.Called(ctx, subjectID, instanceID)
	return args.Bool(0), args.Error(1)
}

func (m *mockMembershipStore) ListCurrent(ctx context.Context, subjectID string) ([]admission.Membership, error) {
	args := m.Called(ctx, subjectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]admission.Membership), args.Error(1)
}

type mockMetricsRecorder struct {
	mock.Mock
}

func (m *mockMetricsRecorder) RecordDecision(ctx context.Context, resource, tier, outcome string, elapsed time.Duration) {
	m.Called(resource, tier, outcome)
}

func (m *mockMetricsRecorder) RecordStoreError(ctx context.Context, operation, resource string) {
	m.Called(operation, resource)
}

func (m *mockMetricsRecorder) RecordFailOpen(ctx context.Context, resource string) {
	m.Called(resource)
}

func (m *mockMetricsRecorder) RecordEvictions(ctx context.Context, reason string, count int) {
	m.Called(reason, count)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// testConfig keeps retries fast
func testConfig() QuotaEngineConfig {
	return QuotaEngineConfig{
		StoreTimeout:       200 * time.Millisecond,
		MaxConflictRetries: 3,
		RetryBaseDelay:     time.Millisecond,
	}
}

// testStart is a Friday morning, 33m07s before the hour ends
var testStart = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

type testHarness struct {
	clock    *fakeClock
	counters *cache.InMemoryUsageCounterStore
	members  *cache.InMemoryMembershipStore
	idem     *cache.InMemoryIdempotencyStore
	engine   *QuotaEngine
	limiter  *MembershipLimiter
	service  *Service
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{
		clock:    newFakeClock(testStart),
		counters: cache.NewInMemoryUsageCounterStore(24 * time.Hour),
		members:  cache.NewInMemoryMembershipStore(),
		idem:     cache.NewInMemoryIdempotencyStore(),
	}
	t.Cleanup(func() {
		_ = h.counters.Close()
		_ = h.idem.Close()
	})

	catalog := admission.DefaultCatalog()
	logger := zap.NewNop()
	h.engine = NewQuotaEngine(catalog, h.counters, h.clock, logger, testConfig())
	h.limiter = NewMembershipLimiter(catalog, h.members, h.clock, logger, testConfig())

	svc, err := NewService(catalog, h.engine, h.limiter, h.clock, nil, logger, ServiceConfig{
		Engine:            testConfig(),
		FailOpenResources: []admission.ResourceKey{admission.ResourceMembershipProbe},
	})
	require.NoError(t, err)
	svc.UseIdempotency(h.idem, time.Hour)
	h.service = svc
	return h
}

func (h *testHarness) peek(t *testing.T, subject string, resource admission.ResourceKey, g admission.Granularity) int64 {
	t.Helper()
	n, err := h.counters.Peek(context.Background(), admission.NewCounterKey(subject, resource, g, h.clock.Now()))
	require.NoError(t, err)
	return n
}

// heldCounterStore holds the first TryIncrement until release is closed
type heldCounterStore struct {
	admission.UsageCounterStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newHeldCounterStore(inner admission.UsageCounterStore) *heldCounterStore {
	return &heldCounterStore{
		UsageCounterStore: inner,
		entered:           make(chan struct{}),
		release:           make(chan struct{}),
	}
}

func (s *heldCounterStore) TryIncrement(ctx context.Context, key admission.CounterKey, amount, limit int64) (admission.IncrementResult, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.UsageCounterStore.TryIncrement(ctx, key, amount, limit)
}

// switchableCounterStore fails every call while down is set
type switchableCounterStore struct {
	admission.UsageCounterStore
	down atomic.Bool
}

func (s *switchableCounterStore) TryIncrement(ctx context.Context, key admission.CounterKey, amount, limit int64) (admission.IncrementResult, error) {
	if s.down.Load() {
		return admission.IncrementResult{}, errors.New("connection refused")
	}
	return s.UsageCounterStore.TryIncrement(ctx, key, amount, limit)
}

// serviceOver builds a service sharing the harness clock, memberships and
// idempotency store but reserving against counters
func (h *testHarness) serviceOver(t *testing.T, counters admission.UsageCounterStore) *Service {
	t.Helper()

	cfg := testConfig()
	cfg.StoreTimeout = 5 * time.Second
	catalog := admission.DefaultCatalog()
	engine := NewQuotaEngine(catalog, counters, h.clock, zap.NewNop(), cfg)
	svc, err := NewService(catalog, engine, h.limiter, h.clock, nil, zap.NewNop(), ServiceConfig{
		Engine:            cfg,
		FailOpenResources: []admission.ResourceKey{admission.ResourceMembershipProbe},
	})
	require.NoError(t, err)
	svc.UseIdempotency(h.idem, time.Hour)
	return svc
}
