package persistence

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupAdmissionTestDB opens an in-memory SQLite database with the admission tables.
// A single connection keeps every goroutine on the same in-memory database.
func setupAdmissionTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&UsageCounterModel{}, &RoomMembershipModel{}, &MembershipSlotModel{}))
	return db
}

func testCounterKey(subject string, now time.Time) admission.CounterKey {
	return admission.NewCounterKey(subject, admission.ResourceInferenceRequest, admission.GranularityHour, now)
}

func TestUsageCounterRepository_TryIncrement(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	t.Run("creates counter on first increment", func(t *testing.T) {
		repo := NewUsageCounterRepository(setupAdmissionTestDB(t))
		key := testCounterKey("u1", now)

		res, err := repo.TryIncrement(ctx, key, 1, 8)
		require.NoError(t, err)
		assert.False(t, res.WouldExceed)
		assert.Equal(t, int64(1), res.NewCount)

		count, err := repo.Peek(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("stops exactly at the limit", func(t *testing.T) {
		repo := NewUsageCounterRepository(setupAdmissionTestDB(t))
		key := testCounterKey("u1", now)

		for i := 1; i <= 8; i++ {
			res, err := repo.TryIncrement(ctx, key, 1, 8)
			require.NoError(t, err)
			require.False(t, res.WouldExceed, "increment %d", i)
			assert.Equal(t, int64(i), res.NewCount)
		}

		res, err := repo.TryIncrement(ctx, key, 1, 8)
		require.NoError(t, err)
		assert.True(t, res.WouldExceed)
		assert.Equal(t, int64(8), res.NewCount)

		count, err := repo.Peek(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(8), count, "denied increment must not be applied")
	})

	t.Run("amount larger than limit is denied without writing", func(t *testing.T) {
		repo := NewUsageCounterRepository(setupAdmissionTestDB(t))
		key := testCounterKey("u1", now)

		res, err := repo.TryIncrement(ctx, key, 5, 3)
		require.NoError(t, err)
		assert.True(t, res.WouldExceed)
		assert.Equal(t, int64(0), res.NewCount)
	})

	t.Run("zero limit denies every increment", func(t *testing.T) {
		repo := NewUsageCounterRepository(setupAdmissionTestDB(t))
		res, err := repo.TryIncrement(ctx, testCounterKey("anon", now), 1, 0)
		require.NoError(t, err)
		assert.True(t, res.WouldExceed)
	})

	t.Run("periods are independent", func(t *testing.T) {
		repo := NewUsageCounterRepository(setupAdmissionTestDB(t))
		thisHour := testCounterKey("u1", now)
		nextHour := testCounterKey("u1", now.Add(time.Hour))

		for i := 0; i < 3; i++ {
			_, err := repo.TryIncrement(ctx, thisHour, 1, 3)
			require.NoError(t, err)
		}
		res, err := repo.TryIncrement(ctx, nextHour, 1, 3)
		require.NoError(t, err)
		assert.False(t, res.WouldExceed)
		assert.Equal(t, int64(1), res.NewCount)
	})

	t.Run("subjects are independent", func(t *testing.T) {
		repo := NewUsageCounterRepository(setupAdmissionTestDB(t))
		_, err := repo.TryIncrement(ctx, testCounterKey("u1", now), 1, 1)
		require.NoError(t, err)

		res, err := repo.TryIncrement(ctx, testCounterKey("u2", now), 1, 1)
		require.NoError(t, err)
		assert.False(t, res.WouldExceed)
	})
}

func TestUsageCounterRepository_ConcurrentIncrements(t *testing.T) {
	repo := NewUsageCounterRepository(setupAdmissionTestDB(t))
	ctx := context.Background()
	key := testCounterKey("u1", time.Now())

	const workers = 40
	const limit = 8

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := repo.TryIncrement(ctx, key, 1, limit)
			if err == nil && !res.WouldExceed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
	count, err := repo.Peek(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), count)
}

func TestUsageCounterRepository_Decrement(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("decrements applied usage", func(t *testing.T) {
		repo := NewUsageCounterRepository(setupAdmissionTestDB(t))
		key := testCounterKey("u1", now)
		_, err := repo.TryIncrement(ctx, key, 3, 10)
		require.NoError(t, err)

		require.NoError(t, repo.Decrement(ctx, key, 2))
		count, err := repo.Peek(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("never goes below zero", func(t *testing.T) {
		repo := NewUsageCounterRepository(setupAdmissionTestDB(t))
		key := testCounterKey("u1", now)
		_, err := repo.TryIncrement(ctx, key, 1, 10)
		require.NoError(t, err)

		require.NoError(t, repo.Decrement(ctx, key, 5))
		count, err := repo.Peek(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})

	t.Run("missing counter is a no-op", func(t *testing.T) {
		repo := NewUsageCounterRepository(setupAdmissionTestDB(t))
		key := testCounterKey("nobody", now)
		require.NoError(t, repo.Decrement(ctx, key, 1))

		count, err := repo.Peek(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})
}

func TestUsageCounterRepository_DeleteExpired(t *testing.T) {
	repo := NewUsageCounterRepository(setupAdmissionTestDB(t))
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	key := func(g admission.Granularity, at time.Time) admission.CounterKey {
		return admission.NewCounterKey("u1", admission.ResourceInferenceRequest, g, at)
	}
	oldHour := key(admission.GranularityHour, now.Add(-48*time.Hour))
	currentHour := key(admission.GranularityHour, now)
	currentMonth := key(admission.GranularityMonth, now)
	lastMonth := key(admission.GranularityMonth, now.AddDate(0, -1, 0))
	for _, k := range []admission.CounterKey{oldHour, currentHour, currentMonth, lastMonth} {
		_, err := repo.TryIncrement(ctx, k, 1, 10)
		require.NoError(t, err)
	}

	deleted, err := repo.DeleteExpired(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted, "old hour and last month")

	for _, k := range []admission.CounterKey{currentHour, currentMonth} {
		count, err := repo.Peek(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count, k.String())
	}
}

// newMockCounterRepo creates a repository backed by sqlmock with the postgres dialect
func newMockCounterRepo(t *testing.T) (*UsageCounterRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	return NewUsageCounterRepository(gormDB), mock, mockDB
}

func TestUsageCounterRepository_PostgresStatement(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	key := testCounterKey("u1", now)

	t.Run("increment is one conditional upsert", func(t *testing.T) {
		repo, mock, mockDB := newMockCounterRepo(t)
		defer mockDB.Close()

		mock.ExpectQuery(`INSERT INTO usage_counters .* ON CONFLICT \(subject_id, resource, granularity, period_start\) DO UPDATE SET .* WHERE usage_counters.used \+ excluded.used <= \$7 RETURNING used`).
			WithArgs("u1", "inference_request", "hour", sqlmock.AnyArg(), int64(1), sqlmock.AnyArg(), int64(8)).
			WillReturnRows(sqlmock.NewRows([]string{"used"}).AddRow(4))

		res, err := repo.TryIncrement(context.Background(), key, 1, 8)
		require.NoError(t, err)
		assert.Equal(t, int64(4), res.NewCount)
		assert.False(t, res.WouldExceed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no returned row reads back the current count", func(t *testing.T) {
		repo, mock, mockDB := newMockCounterRepo(t)
		defer mockDB.Close()

		mock.ExpectQuery(`INSERT INTO usage_counters`).
			WillReturnRows(sqlmock.NewRows([]string{"used"}))
		mock.ExpectQuery(`SELECT \* FROM "usage_counters"`).
			WillReturnRows(sqlmock.NewRows([]string{"subject_id", "resource", "granularity", "period_start", "used", "updated_at"}).
				AddRow("u1", "inference_request", "hour", key.PeriodStart, 8, now))

		res, err := repo.TryIncrement(context.Background(), key, 1, 8)
		require.NoError(t, err)
		assert.True(t, res.WouldExceed)
		assert.Equal(t, int64(8), res.NewCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("driver failure is store unavailable", func(t *testing.T) {
		repo, mock, mockDB := newMockCounterRepo(t)
		defer mockDB.Close()

		mock.ExpectQuery(`INSERT INTO usage_counters`).
			WillReturnError(errors.New("connection reset by peer"))

		_, err := repo.TryIncrement(context.Background(), key, 1, 8)
		require.Error(t, err)
		assert.ErrorIs(t, err, admission.ErrStoreUnavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
