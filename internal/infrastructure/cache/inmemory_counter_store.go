package cache

import (
	"context"
	"sync"
	"time"

	"github.com/chatsaas/backend/internal/domain/admission"
)

// counterEntry is one usage counter with the instant it may be discarded
type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// InMemoryUsageCounterStore implements UsageCounterStore using an in-memory map.
// It is suitable for single-instance deployments and testing; the counters are
// not shared between processes.
type InMemoryUsageCounterStore struct {
	mu        sync.Mutex
	counters  map[string]*counterEntry
	retention time.Duration
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewInMemoryUsageCounterStore creates a new in-memory counter store.
// Counters are discarded retention after their period ends.
func NewInMemoryUsageCounterStore(retention time.Duration) *InMemoryUsageCounterStore {
	store := &InMemoryUsageCounterStore{
		counters:  make(map[string]*counterEntry),
		retention: retention,
		stopChan:  make(chan struct{}),
	}

	store.wg.Add(1)
	go store.cleanupLoop()

	return store
}

// TryIncrement adds amount if the result stays within limit
func (s *InMemoryUsageCounterStore) TryIncrement(ctx context.Context, key admission.CounterKey, amount, limit int64) (admission.IncrementResult, error) {
	if err := ctx.Err(); err != nil {
		return admission.IncrementResult{}, admission.StoreUnavailable("try increment", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.counters[key.String()]
	if !ok {
		e = &counterEntry{
			expiresAt: admission.PeriodEnd(key.PeriodStart, key.Granularity).Add(s.retention),
		}
	}
	if e.count+amount > limit {
		return admission.IncrementResult{NewCount: e.count, WouldExceed: true}, nil
	}
	e.count += amount
	s.counters[key.String()] = e
	return admission.IncrementResult{NewCount: e.count}, nil
}

// Decrement removes amount from the counter, never below zero
func (s *InMemoryUsageCounterStore) Decrement(ctx context.Context, key admission.CounterKey, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.counters[key.String()]; ok {
		e.count = max(e.count-amount, 0)
	}
	return nil
}

// Peek returns the current count
func (s *InMemoryUsageCounterStore) Peek(ctx context.Context, key admission.CounterKey) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, admission.StoreUnavailable("peek", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.counters[key.String()]; ok {
		return e.count, nil
	}
	return 0, nil
}

// Ping always succeeds
func (s *InMemoryUsageCounterStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the cleanup goroutine
// Safe to call multiple times
func (s *InMemoryUsageCounterStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

func (s *InMemoryUsageCounterStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup(time.Now())
		}
	}
}

// cleanup removes counters whose period ended more than retention ago
func (s *InMemoryUsageCounterStore) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.counters {
		if now.After(e.expiresAt) {
			delete(s.counters, k)
		}
	}
}

// Size returns the number of counters held (for testing/monitoring)
func (s *InMemoryUsageCounterStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

var (
	_ admission.UsageCounterStore = (*InMemoryUsageCounterStore)(nil)
	_ admission.HealthChecker     = (*InMemoryUsageCounterStore)(nil)
)
