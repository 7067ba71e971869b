package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CounterPruner deletes usage counters whose window ended before cutoff
type CounterPruner interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionConfig holds configuration for the retention janitor
type RetentionConfig struct {
	// Retention is how long a counter is kept after its window ends
	Retention time.Duration

	// CheckInterval is how often expired counters are pruned
	CheckInterval time.Duration

	// RunTimeout bounds a single prune
	RunTimeout time.Duration
}

// DefaultRetentionConfig returns default retention configuration
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Retention:     24 * time.Hour,
		CheckInterval: 10 * time.Minute,
		RunTimeout:    time.Minute,
	}
}

// RetentionJanitor periodically removes expired usage counters. Counters
// are keyed by period start, so a stale row is never read again once its
// window has ended; pruning only bounds table growth.
type RetentionJanitor struct {
	config RetentionConfig
	pruner CounterPruner
	now    func() time.Time
	logger *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewRetentionJanitor creates a new retention janitor
func NewRetentionJanitor(config RetentionConfig, pruner CounterPruner, logger *zap.Logger) (*RetentionJanitor, error) {
	if pruner == nil || config.Retention <= 0 || config.CheckInterval <= 0 {
		return nil, ErrInvalidConfig
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = config.CheckInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionJanitor{
		config: config,
		pruner: pruner,
		now:    time.Now,
		logger: logger,
	}, nil
}

// Start starts the janitor loop
func (j *RetentionJanitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.isRunning {
		j.mu.Unlock()
		return nil
	}
	j.isRunning = true
	j.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel

	j.wg.Add(1)
	go j.runLoop(ctx)

	j.logger.Info("Counter retention janitor started",
		zap.Duration("retention", j.config.Retention),
		zap.Duration("check_interval", j.config.CheckInterval),
	)
	return nil
}

// Stop stops the janitor and waits for an in-flight prune to finish
func (j *RetentionJanitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.isRunning {
		j.mu.Unlock()
		return nil
	}
	j.isRunning = false
	j.mu.Unlock()

	if j.cancel != nil {
		j.cancel()
	}

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		j.logger.Info("Counter retention janitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *RetentionJanitor) runLoop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = j.RunOnce(ctx)
		}
	}
}

// RunOnce prunes counters whose window ended more than Retention ago
func (j *RetentionJanitor) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, j.config.RunTimeout)
	defer cancel()

	cutoff := j.now().Add(-j.config.Retention)
	deleted, err := j.pruner.DeleteExpired(ctx, cutoff)
	if err != nil {
		j.logger.Warn("Failed to prune expired usage counters",
			zap.Time("cutoff", cutoff),
			zap.Error(err),
		)
		return 0, err
	}
	if deleted > 0 {
		j.logger.Debug("Pruned expired usage counters",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}
