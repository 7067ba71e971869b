package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/chatsaas/backend/internal/domain/admission"
)

// InMemoryMembershipStore implements MembershipStore using an in-memory map.
// It is suitable for single-instance deployments and testing.
type InMemoryMembershipStore struct {
	mu      sync.Mutex
	members map[string][]admission.Membership
}

// NewInMemoryMembershipStore creates a new in-memory membership store
func NewInMemoryMembershipStore() *InMemoryMembershipStore {
	return &InMemoryMembershipStore{
		members: make(map[string][]admission.Membership),
	}
}

// TryJoin inserts the membership if the subject holds fewer than maxAllowed instances
func (s *InMemoryMembershipStore) TryJoin(ctx context.Context, subjectID, instanceID string, maxAllowed int, joinedAt time.Time) (admission.JoinOutcome, error) {
	if err := ctx.Err(); err != nil {
		return admission.JoinOutcome{}, admission.StoreUnavailable("try join", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.members[subjectID]
	if slices.ContainsFunc(held, func(m admission.Membership) bool { return m.ResourceInstanceID == instanceID }) {
		return admission.JoinOutcome{
			Joined:           true,
			AlreadyMember:    true,
			CurrentCount:     len(held),
			CurrentInstances: admission.InstanceIDs(held),
		}, nil
	}
	if len(held) >= maxAllowed {
		return admission.JoinOutcome{
			CurrentCount:     len(held),
			CurrentInstances: admission.InstanceIDs(held),
		}, nil
	}

	held = append(held, *admission.NewMembership(subjectID, instanceID, joinedAt))
	s.members[subjectID] = held
	return admission.JoinOutcome{
		Joined:           true,
		CurrentCount:     len(held),
		CurrentInstances: admission.InstanceIDs(held),
	}, nil
}

// Leave removes the membership; removing an absent one returns false
func (s *InMemoryMembershipStore) Leave(ctx context.Context, subjectID, instanceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, admission.StoreUnavailable("leave", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.members[subjectID]
	idx := slices.IndexFunc(held, func(m admission.Membership) bool { return m.ResourceInstanceID == instanceID })
	if idx < 0 {
		return false, nil
	}
	held = slices.Delete(held, idx, idx+1)
	if len(held) == 0 {
		delete(s.members, subjectID)
	} else {
		s.members[subjectID] = held
	}
	return true, nil
}

// ListCurrent returns the subject's memberships in join order
func (s *InMemoryMembershipStore) ListCurrent(ctx context.Context, subjectID string) ([]admission.Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, admission.StoreUnavailable("list memberships", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.members[subjectID]), nil
}

// Ping always succeeds
func (s *InMemoryMembershipStore) Ping(ctx context.Context) error {
	return nil
}

var (
	_ admission.MembershipStore = (*InMemoryMembershipStore)(nil)
	_ admission.HealthChecker   = (*InMemoryMembershipStore)(nil)
)
