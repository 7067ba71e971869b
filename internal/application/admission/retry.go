package admission

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/chatsaas/backend/internal/domain/admission"
)

// storeCaller runs store operations under a per-call timeout and retries
// operations that lost an atomic race.
type storeCaller struct {
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
}

// call runs op. Conflicts are retried up to maxRetries times with jittered
// exponential backoff, then surface as ErrStoreUnavailable. Timeouts and
// driver failures surface as ErrStoreUnavailable. Configuration errors pass
// through untouched.
func call[T any](ctx context.Context, c storeCaller, opName string, op func(ctx context.Context) (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.MaxInterval = 20 * c.baseDelay
	bo.RandomizationFactor = 0.5

	attempt := func() (T, error) {
		callCtx, cancel := c.withTimeout(ctx)
		defer cancel()

		v, err := op(callCtx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, admission.ErrConcurrencyConflict) {
			return v, err
		}
		return v, backoff.Permanent(normalizeStoreError(opName, err))
	}

	v, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.maxRetries)+1),
	)
	if err != nil {
		var zero T
		if errors.Is(err, admission.ErrConcurrencyConflict) {
			return zero, admission.StoreUnavailable(opName+": conflict retries exhausted", err)
		}
		return zero, normalizeStoreError(opName, err)
	}
	return v, nil
}

func (c storeCaller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func normalizeStoreError(opName string, err error) error {
	if admission.IsConfigurationError(err) || errors.Is(err, admission.ErrStoreUnavailable) {
		return err
	}
	return admission.StoreUnavailable(opName, err)
}
