package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dbMetricsStartKey contextKey = "db_metrics_start_time"

// DBMetrics exports connection pool gauges and per-statement counters for
// the counter and membership tables
type DBMetrics struct {
	queryTotal    *Counter
	queryDuration *Histogram
	registration  metric.Registration
	logger        *zap.Logger
}

// RegisterDBMetrics installs the metrics callbacks on db and observes the
// pool of sqlDB on every collection
func RegisterDBMetrics(db *gorm.DB, meter metric.Meter, logger *zap.Logger) (*DBMetrics, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	m := &DBMetrics{logger: logger}
	if m.queryTotal, err = NewCounter(meter, "db_query_total", "Database statements executed", "{query}"); err != nil {
		return nil, err
	}
	if m.queryDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "db_query_duration_seconds",
		Description: "Database statement duration",
		Unit:        "s",
		Boundaries:  DecisionDurationBuckets,
	}); err != nil {
		return nil, err
	}

	if err := m.observePool(meter, sqlDB); err != nil {
		return nil, err
	}
	if err := registerAround(db, "db_metrics", m.before, m.after); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DBMetrics) observePool(meter metric.Meter, sqlDB *sql.DB) error {
	connections, err := meter.Int64ObservableGauge("db_pool_connections",
		metric.WithDescription("Number of connections in the pool by state"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return fmt.Errorf("failed to create pool gauge: %w", err)
	}
	maxOpen, err := meter.Int64ObservableGauge("db_pool_connections_max",
		metric.WithDescription("Configured maximum open connections"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return fmt.Errorf("failed to create pool max gauge: %w", err)
	}

	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := sqlDB.Stats()
		o.ObserveInt64(connections, int64(stats.InUse), metric.WithAttributes(AttrDBPoolState.String("in_use")))
		o.ObserveInt64(connections, int64(stats.Idle), metric.WithAttributes(AttrDBPoolState.String("idle")))
		o.ObserveInt64(maxOpen, int64(stats.MaxOpenConnections))
		return nil
	}, connections, maxOpen)
	if err != nil {
		return fmt.Errorf("failed to register pool callback: %w", err)
	}
	return nil
}

// Stop unregisters the pool observer.
func (m *DBMetrics) Stop() {
	if m.registration == nil {
		return
	}
	if err := m.registration.Unregister(); err != nil {
		m.logger.Warn("Failed to unregister db pool metrics", zap.Error(err))
	}
}

func (m *DBMetrics) before(db *gorm.DB) {
	if db.Statement.Context != nil {
		db.Statement.Context = context.WithValue(db.Statement.Context, dbMetricsStartKey, time.Now())
	}
}

func (m *DBMetrics) after(db *gorm.DB) {
	ctx := db.Statement.Context
	if ctx == nil {
		return
	}
	start, ok := ctx.Value(dbMetricsStartKey).(time.Time)
	if !ok {
		return
	}

	status := "ok"
	if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
		status = "error"
	}
	attrs := []attribute.KeyValue{
		AttrOperation.String(detectOperationType(db.Statement.SQL.String())),
		attribute.String("db.sql.table", db.Statement.Table),
		attribute.String("status", status),
	}
	m.queryTotal.Inc(ctx, attrs...)
	m.queryDuration.RecordDuration(ctx, time.Since(start), attrs...)
}

// detectOperationType returns the leading SQL verb in lower case
func detectOperationType(sql string) string {
	sql = strings.TrimSpace(sql)
	if i := strings.IndexAny(sql, " \t\n"); i > 0 {
		sql = sql[:i]
	}
	switch verb := strings.ToLower(sql); verb {
	case "select", "insert", "update", "delete":
		return verb
	case "":
		return "unknown"
	default:
		return "other"
	}
}
