package admission

import (
	"context"
	"fmt"
	"strings"

	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/chatsaas/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// MembershipLimiter admits concurrency-capped memberships, such as the rooms
// a subject is currently in.
type MembershipLimiter struct {
	catalog *admission.TierCatalog
	store   admission.MembershipStore
	clock   admission.Clock
	caller  storeCaller
	logger  *zap.Logger
}

// NewMembershipLimiter creates a new MembershipLimiter
func NewMembershipLimiter(
	catalog *admission.TierCatalog,
	store admission.MembershipStore,
	clock admission.Clock,
	logger *zap.Logger,
	config QuotaEngineConfig,
) *MembershipLimiter {
	if clock == nil {
		clock = admission.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MembershipLimiter{
		catalog: catalog,
		store:   store,
		clock:   clock,
		caller: storeCaller{
			timeout:    config.StoreTimeout,
			maxRetries: config.MaxConflictRetries,
			baseDelay:  config.RetryBaseDelay,
		},
		logger: logger,
	}
}

// Join admits the subject into instanceID if the tier's cap allows it.
// On denial the result lists the instances the subject currently holds.
func (l *MembershipLimiter) Join(
	ctx context.Context,
	subjectID string,
	tier admission.Tier,
	instanceID string,
) (admission.JoinResult, error) {
	if err := validateMembershipArgs(subjectID, instanceID); err != nil {
		return admission.JoinResult{}, err
	}
	maxAllowed, err := l.catalog.MaxConcurrent(tier)
	if err != nil {
		return admission.JoinResult{}, err
	}

	joinedAt := l.clock.Now()
	outcome, err := call(ctx, l.caller, "try join", func(ctx context.Context) (admission.JoinOutcome, error) {
		return l.store.TryJoin(ctx, subjectID, instanceID, maxAllowed, joinedAt)
	})
	if err != nil {
		l.logger.Error("Membership join failed",
			zap.String("subject_id", subjectID),
			zap.String("tier", tier.String()),
			zap.String("instance_id", instanceID),
			zap.Error(err),
		)
		return admission.JoinResult{}, err
	}

	result := admission.JoinResult{
		Allowed:          outcome.Joined,
		AlreadyMember:    outcome.AlreadyMember,
		CurrentCount:     outcome.CurrentCount,
		MaxAllowed:       maxAllowed,
		CurrentInstances: outcome.CurrentInstances,
	}
	if !outcome.Joined {
		l.logger.Info("Membership denied",
			zap.String("subject_id", subjectID),
			zap.String("tier", tier.String()),
			zap.String("instance_id", instanceID),
			zap.Int("current_count", outcome.CurrentCount),
			zap.Int("max_allowed", maxAllowed),
		)
	}
	return result, nil
}

// Leave releases a membership. Leaving an instance not held is a no-op.
func (l *MembershipLimiter) Leave(ctx context.Context, subjectID, instanceID string) (bool, error) {
	if err := validateMembershipArgs(subjectID, instanceID); err != nil {
		return false, err
	}
	return call(ctx, l.caller, "leave", func(ctx context.Context) (bool, error) {
		return l.store.Leave(ctx, subjectID, instanceID)
	})
}

// Evict forcibly removes a membership. It never denies; evicting an instance
// the subject does not hold succeeds as a no-op.
func (l *MembershipLimiter) Evict(ctx context.Context, subjectID, instanceID, reason string) (bool, error) {
	if err := validateMembershipArgs(subjectID, instanceID); err != nil {
		return false, err
	}
	removed, err := call(ctx, l.caller, "evict", func(ctx context.Context) (bool, error) {
		return l.store.Leave(ctx, subjectID, instanceID)
	})
	if err != nil {
		return false, err
	}

	fields := []zap.Field{
		zap.String("subject_id", subjectID),
		zap.String("instance_id", instanceID),
		zap.String("reason", reason),
	}
	if !removed {
		l.logger.Debug("Eviction skipped, membership not held", fields...)
		return false, nil
	}
	l.logger.Warn("Membership evicted", fields...)
	return true, nil
}

// EnforceCap evicts the most recently joined memberships until the subject
// holds no more than the tier's cap. It returns the evicted instance IDs.
func (l *MembershipLimiter) EnforceCap(ctx context.Context, subjectID string, tier admission.Tier, reason string) ([]string, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, fmt.Errorf("%w: subject id is required", shared.ErrInvalidInput)
	}
	maxAllowed, err := l.catalog.MaxConcurrent(tier)
	if err != nil {
		return nil, err
	}

	current, err := l.List(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if len(current) <= maxAllowed {
		return []string{}, nil
	}

	evicted := make([]string, 0, len(current)-maxAllowed)
	for i := len(current) - 1; i >= maxAllowed; i-- {
		instanceID := current[i].ResourceInstanceID
		removed, err := l.Evict(ctx, subjectID, instanceID, reason)
		if err != nil {
			return evicted, err
		}
		if removed {
			evicted = append(evicted, instanceID)
		}
	}
	return evicted, nil
}

// List returns the memberships the subject holds, oldest first
func (l *MembershipLimiter) List(ctx context.Context, subjectID string) ([]admission.Membership, error) {
	return call(ctx, l.caller, "list memberships", func(ctx context.Context) ([]admission.Membership, error) {
		return l.store.ListCurrent(ctx, subjectID)
	})
}

func validateMembershipArgs(subjectID, instanceID string) error {
	if strings.TrimSpace(subjectID) == "" {
		return fmt.Errorf("%w: subject id is required", shared.ErrInvalidInput)
	}
	if strings.TrimSpace(instanceID) == "" {
		return fmt.Errorf("%w: resource instance id is required", shared.ErrInvalidInput)
	}
	return nil
}
