package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// AdmissionMetrics records admission decisions, store failures and evictions.
type AdmissionMetrics struct {
	decisions        *Counter
	storeErrors      *Counter
	failOpen         *Counter
	evictions        *Counter
	decisionDuration *Histogram
}

// NewAdmissionMetrics registers the admission instruments on meter
func NewAdmissionMetrics(meter metric.Meter) (*AdmissionMetrics, error) {
	m := &AdmissionMetrics{}
	var err error

	if m.decisions, err = NewCounter(meter, "admission_decisions_total",
		"Admission decisions by resource, tier and outcome", "{decision}"); err != nil {
		return nil, err
	}
	if m.storeErrors, err = NewCounter(meter, "admission_store_errors_total",
		"Counter or membership store failures", "{error}"); err != nil {
		return nil, err
	}
	if m.failOpen, err = NewCounter(meter, "admission_fail_open_total",
		"Requests admitted because the store was unavailable", "{request}"); err != nil {
		return nil, err
	}
	if m.evictions, err = NewCounter(meter, "admission_evictions_total",
		"Memberships removed by eviction or cap enforcement", "{membership}"); err != nil {
		return nil, err
	}
	if m.decisionDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "admission_decision_duration_seconds",
		Description: "Time taken to reach an admission decision",
		Unit:        "s",
		Boundaries:  DecisionDurationBuckets,
	}); err != nil {
		return nil, fmt.Errorf("admission metrics: %w", err)
	}
	return m, nil
}

func (m *AdmissionMetrics) RecordDecision(ctx context.Context, resource, tier, outcome string, elapsed time.Duration) {
	m.decisions.Inc(ctx, AttrResource.String(resource), AttrTier.String(tier), AttrOutcome.String(outcome))
	m.decisionDuration.RecordDuration(ctx, elapsed, AttrResource.String(resource), AttrOutcome.String(outcome))
}

func (m *AdmissionMetrics) RecordStoreError(ctx context.Context, operation, resource string) {
	m.storeErrors.Inc(ctx, AttrOperation.String(operation), AttrResource.String(resource))
}

func (m *AdmissionMetrics) RecordFailOpen(ctx context.Context, resource string) {
	m.failOpen.Inc(ctx, AttrResource.String(resource))
}

// RecordEvictions ignores non-positive counts
func (m *AdmissionMetrics) RecordEvictions(ctx context.Context, reason string, count int) {
	if count <= 0 {
		return
	}
	m.evictions.Add(ctx, int64(count), AttrReason.String(reason))
}
