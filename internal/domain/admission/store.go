package admission

import (
	"context"
	"fmt"
	"time"
)

// CounterKey identifies one usage counter row
type CounterKey struct {
	SubjectID   string
	Resource    ResourceKey
	Granularity Granularity
	PeriodStart time.Time
}

// NewCounterKey builds the key for the period enclosing now
func NewCounterKey(subjectID string, resource ResourceKey, g Granularity, now time.Time) CounterKey {
	return CounterKey{
		SubjectID:   subjectID,
		Resource:    resource,
		Granularity: g,
		PeriodStart: PeriodStart(now, g),
	}
}

// String renders the key for logs and cache keys
func (k CounterKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%d", k.SubjectID, k.Resource, k.Granularity, k.PeriodStart.UTC().Unix())
}

// IncrementResult is the outcome of an atomic conditional increment
type IncrementResult struct {
	// NewCount is the count after the operation. When WouldExceed is true the
	// counter is left unchanged and NewCount holds its current value.
	NewCount    int64
	WouldExceed bool
}

// UsageCounterStore persists period-bucketed usage counters.
// Implementations must perform TryIncrement as one atomic operation against
// the backing store.
type UsageCounterStore interface {
	// TryIncrement adds amount to the counter if the result stays within limit
	TryIncrement(ctx context.Context, key CounterKey, amount, limit int64) (IncrementResult, error)

	// Decrement removes amount from the counter, never dropping below zero.
	// Only used to compensate an increment applied earlier in the same reservation.
	Decrement(ctx context.Context, key CounterKey, amount int64) error

	// Peek returns the current count. Display only, never used to gate.
	Peek(ctx context.Context, key CounterKey) (int64, error)
}

// JoinOutcome is the result of an atomic conditional membership insert
type JoinOutcome struct {
	Joined           bool
	AlreadyMember    bool
	CurrentCount     int
	CurrentInstances []string
}

// MembershipStore persists the set of resource instances each subject holds
type MembershipStore interface {
	// TryJoin inserts a membership only if the subject holds fewer than
	// maxAllowed instances. Joining an instance already held succeeds without
	// taking another slot.
	TryJoin(ctx context.Context, subjectID, instanceID string, maxAllowed int, joinedAt time.Time) (JoinOutcome, error)

	// Leave removes a membership. Removing an absent membership returns false
	// and no error.
	Leave(ctx context.Context, subjectID, instanceID string) (bool, error)

	// ListCurrent returns the held memberships ordered by join time
	ListCurrent(ctx context.Context, subjectID string) ([]Membership, error)
}

// HealthChecker is implemented by stores that can report reachability
type HealthChecker interface {
	Ping(ctx context.Context) error
}
