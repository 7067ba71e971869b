package admission

import (
	"time"

	"github.com/chatsaas/backend/internal/domain/shared"
)

// EventTypeMembershipEvicted is published for every membership removed by
// an eviction or a cap enforcement
const EventTypeMembershipEvicted = "admission.membership.evicted"

// MembershipEvictedEvent tells the owner of a resource instance that the
// subject no longer holds it and should be disconnected
type MembershipEvictedEvent struct {
	shared.BaseDomainEvent
	SubjectID  string `json:"subject_id"`
	InstanceID string `json:"instance_id"`
	Reason     string `json:"reason"`
}

// NewMembershipEvictedEvent creates a MembershipEvictedEvent
func NewMembershipEvictedEvent(subjectID, instanceID, reason string, at time.Time) *MembershipEvictedEvent {
	return &MembershipEvictedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeMembershipEvicted, at),
		SubjectID:       subjectID,
		InstanceID:      instanceID,
		Reason:          reason,
	}
}
