package admission

import (
	"time"

	"github.com/google/uuid"
)

// MembershipState is the lifecycle state of a membership record
type MembershipState string

const (
	MembershipActive  MembershipState = "ACTIVE"
	MembershipRemoved MembershipState = "REMOVED"
)

// RemovalReason records why a membership left the ACTIVE state
type RemovalReason string

const (
	RemovalLeave    RemovalReason = "LEAVE"
	RemovalEviction RemovalReason = "EVICTION"
)

// Membership records that a subject currently holds a resource instance.
// A record moves from ACTIVE to REMOVED once, by leave or by eviction.
// Joining again after removal creates a new record.
type Membership struct {
	ID                 uuid.UUID       `json:"id"`
	SubjectID          string          `json:"subject_id"`
	ResourceInstanceID string          `json:"resource_instance_id"`
	JoinedAt           time.Time       `json:"joined_at"`
	State              MembershipState `json:"state"`
	RemovedAt          *time.Time      `json:"removed_at,omitempty"`
	RemovalReason      RemovalReason   `json:"removal_reason,omitempty"`
	EvictionNote       string          `json:"eviction_note,omitempty"`
}

// NewMembership creates an ACTIVE membership record
func NewMembership(subjectID, instanceID string, joinedAt time.Time) *Membership {
	return &Membership{
		ID:                 uuid.New(),
		SubjectID:          subjectID,
		ResourceInstanceID: instanceID,
		JoinedAt:           joinedAt.UTC(),
		State:              MembershipActive,
	}
}

// IsActive returns true if the membership is held
func (m *Membership) IsActive() bool {
	return m.State == MembershipActive
}

// Leave marks the membership as voluntarily released
func (m *Membership) Leave(at time.Time) error {
	return m.remove(RemovalLeave, "", at)
}

// Evict marks the membership as forcibly removed
func (m *Membership) Evict(note string, at time.Time) error {
	return m.remove(RemovalEviction, note, at)
}

func (m *Membership) remove(reason RemovalReason, note string, at time.Time) error {
	if m.State != MembershipActive {
		return ErrMembershipRemoved
	}
	t := at.UTC()
	m.State = MembershipRemoved
	m.RemovedAt = &t
	m.RemovalReason = reason
	m.EvictionNote = note
	return nil
}

// InstanceIDs returns the resource instance IDs of the memberships in order
func InstanceIDs(ms []Membership) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ResourceInstanceID)
	}
	return out
}
