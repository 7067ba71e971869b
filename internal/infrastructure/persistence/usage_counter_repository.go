package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/chatsaas/backend/internal/domain/admission"
	"gorm.io/gorm"
)

// UsageCounterModel is the GORM model for per-period usage counters
type UsageCounterModel struct {
	SubjectID   string    `gorm:"type:varchar(255);primaryKey"`
	Resource    string    `gorm:"type:varchar(50);primaryKey"`
	Granularity string    `gorm:"type:varchar(10);primaryKey"`
	PeriodStart time.Time `gorm:"primaryKey"`
	Used        int64     `gorm:"not null;default:0"`
	UpdatedAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for the model
func (UsageCounterModel) TableName() string {
	return "usage_counters"
}

// tryIncrementSQL applies the increment only when the result stays within the
// limit. A conflicting row that would exceed is left untouched and no row is
// returned.
const tryIncrementSQL = `INSERT INTO usage_counters (subject_id, resource, granularity, period_start, used, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (subject_id, resource, granularity, period_start)
DO UPDATE SET used = usage_counters.used + excluded.used, updated_at = excluded.updated_at
WHERE usage_counters.used + excluded.used <= ?
RETURNING used`

// UsageCounterRepository implements admission.UsageCounterStore using GORM
type UsageCounterRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewUsageCounterRepository creates a new counter repository
func NewUsageCounterRepository(db *gorm.DB) *UsageCounterRepository {
	return &UsageCounterRepository{db: db, now: time.Now}
}

type usedRow struct {
	Used int64
}

// TryIncrement atomically adds amount unless the counter would exceed limit
func (r *UsageCounterRepository) TryIncrement(ctx context.Context, key admission.CounterKey, amount, limit int64) (admission.IncrementResult, error) {
	if amount > limit {
		current, err := r.Peek(ctx, key)
		if err != nil {
			return admission.IncrementResult{}, err
		}
		return admission.IncrementResult{NewCount: current, WouldExceed: true}, nil
	}

	var rows []usedRow
	err := r.db.WithContext(ctx).Raw(tryIncrementSQL,
		key.SubjectID, string(key.Resource), string(key.Granularity), key.PeriodStart.UTC(),
		amount, r.now().UTC(), limit,
	).Scan(&rows).Error
	if err != nil {
		return admission.IncrementResult{}, admission.StoreUnavailable("postgres try increment", err)
	}

	if len(rows) == 0 {
		current, err := r.Peek(ctx, key)
		if err != nil {
			return admission.IncrementResult{}, err
		}
		return admission.IncrementResult{NewCount: current, WouldExceed: true}, nil
	}
	return admission.IncrementResult{NewCount: rows[0].Used}, nil
}

// Decrement subtracts amount, never going below zero. A missing counter is a no-op.
func (r *UsageCounterRepository) Decrement(ctx context.Context, key admission.CounterKey, amount int64) error {
	err := r.db.WithContext(ctx).
		Model(&UsageCounterModel{}).
		Where("subject_id = ? AND resource = ? AND granularity = ? AND period_start = ?",
			key.SubjectID, string(key.Resource), string(key.Granularity), key.PeriodStart.UTC()).
		UpdateColumns(map[string]interface{}{
			"used":       gorm.Expr("CASE WHEN used > ? THEN used - ? ELSE 0 END", amount, amount),
			"updated_at": r.now().UTC(),
		}).Error
	if err != nil {
		return admission.StoreUnavailable("postgres decrement", err)
	}
	return nil
}

// Peek returns the current count, zero when the period has no counter yet
func (r *UsageCounterRepository) Peek(ctx context.Context, key admission.CounterKey) (int64, error) {
	var model UsageCounterModel
	err := r.db.WithContext(ctx).
		Where("subject_id = ? AND resource = ? AND granularity = ? AND period_start = ?",
			key.SubjectID, string(key.Resource), string(key.Granularity), key.PeriodStart.UTC()).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, admission.StoreUnavailable("postgres peek", err)
	}
	return model.Used, nil
}

// DeleteExpired removes counters whose window ended at or before cutoff.
// A monthly counter survives until its month is over, whatever the cutoff's
// distance from its period start.
func (r *UsageCounterRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, g := range admission.AllGranularities() {
		result := r.db.WithContext(ctx).
			Where("granularity = ? AND period_start < ?", g.String(), admission.PeriodStart(cutoff, g)).
			Delete(&UsageCounterModel{})
		if result.Error != nil {
			return total, admission.StoreUnavailable("postgres delete expired counters", result.Error)
		}
		total += result.RowsAffected
	}
	return total, nil
}

var _ admission.UsageCounterStore = (*UsageCounterRepository)(nil)
