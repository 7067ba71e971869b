package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoomMembershipModel is the GORM model for an active membership
type RoomMembershipModel struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	SubjectID          string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_room_memberships_subject_instance"`
	ResourceInstanceID string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_room_memberships_subject_instance"`
	JoinedAt           time.Time `gorm:"not null"`
}

// TableName returns the table name for the model
func (RoomMembershipModel) TableName() string {
	return "room_memberships"
}

// ToEntity converts the model to a domain entity
func (m *RoomMembershipModel) ToEntity() admission.Membership {
	return admission.Membership{
		ID:                 m.ID,
		SubjectID:          m.SubjectID,
		ResourceInstanceID: m.ResourceInstanceID,
		JoinedAt:           m.JoinedAt.UTC(),
		State:              admission.MembershipActive,
	}
}

// MembershipSlotModel tracks how many memberships a subject holds.
// The conditional update on this row is what serializes concurrent joins.
type MembershipSlotModel struct {
	SubjectID string `gorm:"type:varchar(255);primaryKey"`
	Held      int    `gorm:"not null;default:0"`
}

// TableName returns the table name for the model
func (MembershipSlotModel) TableName() string {
	return "membership_slots"
}

const claimSlotSQL = `INSERT INTO membership_slots (subject_id, held)
VALUES (?, 1)
ON CONFLICT (subject_id)
DO UPDATE SET held = membership_slots.held + 1
WHERE membership_slots.held < ?
RETURNING held`

// MembershipRepository implements admission.MembershipStore using GORM
type MembershipRepository struct {
	db *gorm.DB
}

// NewMembershipRepository creates a new membership repository
func NewMembershipRepository(db *gorm.DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

type heldRow struct {
	Held int
}

// TryJoin inserts the membership if the subject holds fewer than maxAllowed.
// A concurrent insert of the same membership returns admission.ErrConcurrencyConflict.
func (r *MembershipRepository) TryJoin(ctx context.Context, subjectID, instanceID string, maxAllowed int, joinedAt time.Time) (admission.JoinOutcome, error) {
	var outcome admission.JoinOutcome

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&RoomMembershipModel{}).
			Where("subject_id = ? AND resource_instance_id = ?", subjectID, instanceID).
			Count(&existing).Error; err != nil {
			return err
		}

		switch {
		case existing > 0:
			outcome.Joined = true
			outcome.AlreadyMember = true
		case maxAllowed > 0:
			var rows []heldRow
			if err := tx.Raw(claimSlotSQL, subjectID, maxAllowed).Scan(&rows).Error; err != nil {
				return err
			}
			if len(rows) > 0 {
				model := RoomMembershipModel{
					ID:                 uuid.New(),
					SubjectID:          subjectID,
					ResourceInstanceID: instanceID,
					JoinedAt:           joinedAt.UTC(),
				}
				result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
				if result.Error != nil {
					return result.Error
				}
				if result.RowsAffected == 0 {
					return admission.ErrConcurrencyConflict
				}
				outcome.Joined = true
			}
		}

		current, err := listCurrent(tx, subjectID)
		if err != nil {
			return err
		}
		outcome.CurrentCount = len(current)
		outcome.CurrentInstances = admission.InstanceIDs(current)
		return nil
	})
	if err != nil {
		if errors.Is(err, admission.ErrConcurrencyConflict) {
			return admission.JoinOutcome{}, err
		}
		return admission.JoinOutcome{}, admission.StoreUnavailable("postgres try join", err)
	}
	return outcome, nil
}

// Leave removes the membership and frees its slot. Leaving an absent one returns false.
func (r *MembershipRepository) Leave(ctx context.Context, subjectID, instanceID string) (bool, error) {
	var removed bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("subject_id = ? AND resource_instance_id = ?", subjectID, instanceID).
			Delete(&RoomMembershipModel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		removed = true
		return tx.Model(&MembershipSlotModel{}).
			Where("subject_id = ? AND held > 0", subjectID).
			UpdateColumn("held", gorm.Expr("held - 1")).Error
	})
	if err != nil {
		return false, admission.StoreUnavailable("postgres leave", err)
	}
	return removed, nil
}

// ListCurrent returns the subject's memberships in join order
func (r *MembershipRepository) ListCurrent(ctx context.Context, subjectID string) ([]admission.Membership, error) {
	out, err := listCurrent(r.db.WithContext(ctx), subjectID)
	if err != nil {
		return nil, admission.StoreUnavailable("postgres list memberships", err)
	}
	return out, nil
}

func listCurrent(db *gorm.DB, subjectID string) ([]admission.Membership, error) {
	var models []RoomMembershipModel
	if err := db.Where("subject_id = ?", subjectID).
		Order("joined_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]admission.Membership, len(models))
	for i := range models {
		out[i] = models[i].ToEntity()
	}
	return out, nil
}

var _ admission.MembershipStore = (*MembershipRepository)(nil)
