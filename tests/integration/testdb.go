// Package integration runs the admission stores and HTTP API against real
// PostgreSQL and Redis containers started with testcontainers.
package integration

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/chatsaas/backend/internal/infrastructure/migration"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// Shared containers for all tests in the package
	sharedPostgres    testcontainers.Container
	sharedPostgresDSN string
	sharedRedis       testcontainers.Container
	sharedRedisAddr   string
	sharedMu          sync.Mutex
)

// TestDB represents a test database connection
type TestDB struct {
	DB    *gorm.DB
	SqlDB *sql.DB
	DSN   string
	t     *testing.T
}

// skipIfShort skips integration tests in -short mode
func skipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestDB connects to the shared PostgreSQL container, starting and
// migrating it on first use, and truncates the admission tables.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	skipIfShort(t)

	sharedMu.Lock()
	if sharedPostgres == nil {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("admission_test"),
			tcpostgres.WithUsername("postgres"),
			tcpostgres.WithPassword("admin123"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			sharedMu.Unlock()
			require.NoError(t, err, "Failed to start PostgreSQL container")
		}

		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			sharedMu.Unlock()
			require.NoError(t, err, "Failed to get connection string")
		}
		if err := runMigrations(dsn); err != nil {
			sharedMu.Unlock()
			require.NoError(t, err, "Failed to run migrations")
		}
		sharedPostgres = container
		sharedPostgresDSN = dsn
	}
	dsn := sharedPostgresDSN
	sharedMu.Unlock()

	db, sqlDB := connectToDatabase(t, dsn)
	tdb := &TestDB{DB: db, SqlDB: sqlDB, DSN: dsn, t: t}
	tdb.CleanTables()

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return tdb
}

// CleanTables truncates every table except the migration ledger
func (tdb *TestDB) CleanTables() {
	tdb.t.Helper()

	var tables []string
	err := tdb.DB.Raw(`
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		AND tablename != 'schema_migrations'
	`).Scan(&tables).Error
	require.NoError(tdb.t, err, "Failed to get table names")

	for _, table := range tables {
		err := tdb.DB.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)).Error
		require.NoError(tdb.t, err, "Failed to truncate table %s", table)
	}
}

// connectToDatabase establishes a GORM connection to the database
func connectToDatabase(t *testing.T, dsn string) (*gorm.DB, *sql.DB) {
	t.Helper()

	gormConfig := &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	}
	if os.Getenv("TEST_DB_DEBUG") != "" {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(gormpostgres.Open(dsn), gormConfig)
	require.NoError(t, err, "Failed to connect to database")

	sqlDB, err := db.DB()
	require.NoError(t, err, "Failed to get underlying SQL DB")

	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return db, sqlDB
}

// runMigrations applies the embedded schema over a dedicated connection;
// closing the migrator closes that connection
func runMigrations(dsn string) error {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	m, err := migration.New(sqlDB, "", zap.NewNop())
	if err != nil {
		_ = sqlDB.Close()
		return err
	}
	defer func() { _ = m.Close() }()
	return m.Up()
}

// NewTestRedis returns a client on the shared Redis container and flushes it.
// REDIS_ADDR points the tests at an existing server instead.
func NewTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	skipIfShort(t)

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		sharedMu.Lock()
		if sharedRedis == nil {
			ctx := context.Background()
			container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
				ContainerRequest: testcontainers.ContainerRequest{
					Image:        "redis:7-alpine",
					ExposedPorts: []string{"6379/tcp"},
					WaitingFor: wait.ForLog("Ready to accept connections").
						WithStartupTimeout(30 * time.Second),
				},
				Started: true,
			})
			if err != nil {
				sharedMu.Unlock()
				require.NoError(t, err, "Failed to start Redis container")
			}
			host, err := container.Host(ctx)
			if err != nil {
				sharedMu.Unlock()
				require.NoError(t, err)
			}
			port, err := container.MappedPort(ctx, "6379/tcp")
			if err != nil {
				sharedMu.Unlock()
				require.NoError(t, err)
			}
			sharedRedis = container
			sharedRedisAddr = fmt.Sprintf("%s:%s", host, port.Port())
		}
		addr = sharedRedisAddr
		sharedMu.Unlock()
	}

	client := redis.NewClient(&redis.Options{Addr: addr, PoolSize: 20})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.FlushDB(ctx).Err(), "Failed to flush Redis")
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// CleanupSharedContainers terminates the shared containers
func CleanupSharedContainers() {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if sharedPostgres != nil {
		_ = sharedPostgres.Terminate(ctx)
		sharedPostgres = nil
	}
	if sharedRedis != nil {
		_ = sharedRedis.Terminate(ctx)
		sharedRedis = nil
	}
}
