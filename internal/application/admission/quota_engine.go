package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/chatsaas/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// QuotaEngineConfig contains configuration for QuotaEngine
type QuotaEngineConfig struct {
	StoreTimeout       time.Duration
	MaxConflictRetries int
	RetryBaseDelay     time.Duration
}

// DefaultQuotaEngineConfig returns default configuration
func DefaultQuotaEngineConfig() QuotaEngineConfig {
	return QuotaEngineConfig{
		StoreTimeout:       500 * time.Millisecond,
		MaxConflictRetries: 3,
		RetryBaseDelay:     5 * time.Millisecond,
	}
}

// QuotaEngine admits time-windowed resources. A reservation evaluates every
// configured window of the resource and is all-or-nothing across them.
type QuotaEngine struct {
	catalog  *admission.TierCatalog
	counters admission.UsageCounterStore
	clock    admission.Clock
	caller   storeCaller
	logger   *zap.Logger
}

// NewQuotaEngine creates a new QuotaEngine
func NewQuotaEngine(
	catalog *admission.TierCatalog,
	counters admission.UsageCounterStore,
	clock admission.Clock,
	logger *zap.Logger,
	config QuotaEngineConfig,
) *QuotaEngine {
	if clock == nil {
		clock = admission.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuotaEngine{
		catalog:  catalog,
		counters: counters,
		clock:    clock,
		caller: storeCaller{
			timeout:    config.StoreTimeout,
			maxRetries: config.MaxConflictRetries,
			baseDelay:  config.RetryBaseDelay,
		},
		logger: logger,
	}
}

type appliedIncrement struct {
	key    admission.CounterKey
	amount int64
}

// Reserve atomically consumes amount units of resource for the subject.
// An amount below one is treated as one; a batch is applied as a single unit.
// If any window would be exceeded, increments already applied by this call
// are rolled back and a denied result is returned.
func (e *QuotaEngine) Reserve(
	ctx context.Context,
	subjectID string,
	tier admission.Tier,
	resource admission.ResourceKey,
	amount int64,
) (admission.AdmissionResult, error) {
	if strings.TrimSpace(subjectID) == "" {
		return admission.AdmissionResult{}, fmt.Errorf("%w: subject id is required", shared.ErrInvalidInput)
	}
	limit, err := e.catalog.LimitFor(tier, resource)
	if err != nil {
		return admission.AdmissionResult{}, err
	}
	if amount < 1 {
		amount = 1
	}

	now := e.clock.Now()
	result := newResult(tier, resource, amount, limit)
	if limit.IsUnbounded() {
		result.Allowed = true
		return result, nil
	}

	// A batch larger than a ceiling can never fit, whatever the current usage
	for _, g := range limit.Granularities() {
		ceiling, _ := limit.Ceiling(g)
		if amount > ceiling {
			e.deny(&result, subjectID, g, now)
			e.fillFromPeek(ctx, &result, subjectID, now)
			return result, nil
		}
	}

	applied := make([]appliedIncrement, 0, 3)
	for _, g := range limit.Granularities() {
		ceiling, _ := limit.Ceiling(g)
		key := admission.NewCounterKey(subjectID, resource, g, now)

		res, err := call(ctx, e.caller, "try increment", func(ctx context.Context) (admission.IncrementResult, error) {
			return e.counters.TryIncrement(ctx, key, amount, ceiling)
		})
		if err != nil {
			e.rollback(ctx, applied)
			e.logger.Error("Usage counter increment failed",
				zap.String("subject_id", subjectID),
				zap.String("tier", tier.String()),
				zap.String("resource", resource.String()),
				zap.String("granularity", g.String()),
				zap.Error(err),
			)
			return admission.AdmissionResult{}, err
		}

		if res.WouldExceed {
			e.rollback(ctx, applied)
			for _, a := range applied {
				result.Usage[a.key.Granularity] -= a.amount
				result.Remaining[a.key.Granularity] += a.amount
			}
			result.Usage[g] = res.NewCount
			e.deny(&result, subjectID, g, now)
			e.fillFromPeek(ctx, &result, subjectID, now)
			return result, nil
		}

		applied = append(applied, appliedIncrement{key: key, amount: amount})
		result.Usage[g] = res.NewCount
		result.Remaining[g] = max(ceiling-res.NewCount, 0)
	}

	result.Allowed = true
	return result, nil
}

// Peek returns display-only usage for every window of the resource.
// It never gates admission.
func (e *QuotaEngine) Peek(
	ctx context.Context,
	subjectID string,
	tier admission.Tier,
	resource admission.ResourceKey,
) ([]admission.UsageEntry, error) {
	limit, err := e.catalog.LimitFor(tier, resource)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	entries := make([]admission.UsageEntry, 0, 3)
	for _, g := range limit.Granularities() {
		ceiling, _ := limit.Ceiling(g)
		key := admission.NewCounterKey(subjectID, resource, g, now)

		used, err := call(ctx, e.caller, "peek", func(ctx context.Context) (int64, error) {
			return e.counters.Peek(ctx, key)
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, admission.UsageEntry{
			Resource:    resource,
			Granularity: g,
			PeriodStart: key.PeriodStart,
			PeriodEnd:   admission.PeriodEnd(now, g),
			Used:        used,
			Limit:       ceiling,
			Remaining:   max(ceiling-used, 0),
		})
	}
	return entries, nil
}

func newResult(tier admission.Tier, resource admission.ResourceKey, amount int64, limit admission.Limit) admission.AdmissionResult {
	return admission.AdmissionResult{
		Resource:  resource,
		Tier:      tier,
		Amount:    amount,
		Remaining: make(map[admission.Granularity]int64, 3),
		Usage:     make(map[admission.Granularity]int64, 3),
		Limits:    limit.AsMap(),
	}
}

func (e *QuotaEngine) deny(result *admission.AdmissionResult, subjectID string, g admission.Granularity, now time.Time) {
	result.Allowed = false
	result.BindingGranularity = g
	result.Remaining[g] = 0
	result.RetryAfter = admission.PeriodEnd(now, g).Sub(now)

	e.logger.Info("Admission denied",
		zap.String("subject_id", subjectID),
		zap.String("tier", result.Tier.String()),
		zap.String("resource", result.Resource.String()),
		zap.String("granularity", g.String()),
		zap.Int64("amount", result.Amount),
		zap.Int64("limit", result.Limits[g]),
		zap.Duration("retry_after", result.RetryAfter),
	)
}

// fillFromPeek completes display fields for windows the reservation did not
// reach. Failures are ignored since the values are informational.
func (e *QuotaEngine) fillFromPeek(ctx context.Context, result *admission.AdmissionResult, subjectID string, now time.Time) {
	for g, ceiling := range result.Limits {
		if _, seen := result.Usage[g]; seen {
			if _, ok := result.Remaining[g]; !ok {
				result.Remaining[g] = max(ceiling-result.Usage[g], 0)
			}
			continue
		}
		key := admission.NewCounterKey(subjectID, result.Resource, g, now)
		used, err := call(ctx, e.caller, "peek", func(ctx context.Context) (int64, error) {
			return e.counters.Peek(ctx, key)
		})
		if err != nil {
			continue
		}
		result.Usage[g] = used
		if _, ok := result.Remaining[g]; !ok {
			result.Remaining[g] = max(ceiling-used, 0)
		}
	}
}

// rollback compensates increments applied earlier in the same reservation.
// It runs detached from caller cancellation so a cancelled request does not
// leave a partial reservation behind.
func (e *QuotaEngine) rollback(ctx context.Context, applied []appliedIncrement) {
	if len(applied) == 0 {
		return
	}
	rbCtx := context.WithoutCancel(ctx)
	for i := len(applied) - 1; i >= 0; i-- {
		a := applied[i]
		_, err := call(rbCtx, e.caller, "decrement", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.counters.Decrement(ctx, a.key, a.amount)
		})
		if err != nil {
			e.logger.Error("Failed to roll back usage counter",
				zap.String("key", a.key.String()),
				zap.Int64("amount", a.amount),
				zap.Error(err),
			)
		}
	}
}
