package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/chatsaas/backend/internal/domain/shared"
	"github.com/chatsaas/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Decision outcomes used for metrics
const (
	OutcomeAllowed     = "allowed"
	OutcomeDenied      = "denied"
	OutcomeFailOpen    = "fail_open"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// MetricsRecorder receives admission metrics
type MetricsRecorder interface {
	RecordDecision(ctx context.Context, resource, tier, outcome string, elapsed time.Duration)
	RecordStoreError(ctx context.Context, operation, resource string)
	RecordFailOpen(ctx context.Context, resource string)
	RecordEvictions(ctx context.Context, reason string, count int)
}

type nopRecorder struct{}

func (nopRecorder) RecordDecision(context.Context, string, string, string, time.Duration) {}
func (nopRecorder) RecordStoreError(context.Context, string, string)                     {}
func (nopRecorder) RecordFailOpen(context.Context, string)                               {}
func (nopRecorder) RecordEvictions(context.Context, string, int)                         {}

// ServiceConfig contains configuration for Service
type ServiceConfig struct {
	Engine QuotaEngineConfig

	// FailOpenResources are admitted when storage is unavailable.
	// Cost-bearing resources are never admitted fail-open.
	FailOpenResources []admission.ResourceKey
}

// DefaultServiceConfig returns default configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Engine:            DefaultQuotaEngineConfig(),
		FailOpenResources: []admission.ResourceKey{admission.ResourceMembershipProbe},
	}
}

// Service is the single entry point collaborators use for admission
type Service struct {
	catalog  *admission.TierCatalog
	engine   *QuotaEngine
	limiter  *MembershipLimiter
	clock    admission.Clock
	failOpen map[admission.ResourceKey]bool
	metrics  MetricsRecorder
	logger   *zap.Logger

	idempotency           shared.IdempotencyStore
	idempotencyTTL        time.Duration
	idempotencyPendingTTL time.Duration

	events shared.EventPublisher
}

// NewService creates a new Service. It rejects a fail-open list that names a
// cost-bearing resource.
func NewService(
	catalog *admission.TierCatalog,
	engine *QuotaEngine,
	limiter *MembershipLimiter,
	clock admission.Clock,
	metrics MetricsRecorder,
	logger *zap.Logger,
	config ServiceConfig,
) (*Service, error) {
	if clock == nil {
		clock = admission.SystemClock{}
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	failOpen := make(map[admission.ResourceKey]bool, len(config.FailOpenResources))
	for _, r := range config.FailOpenResources {
		if !r.IsValid() {
			return nil, admission.NewConfigurationError("UNKNOWN_RESOURCE", "fail-open resource is unknown: "+r.String())
		}
		if r.IsCostBearing() || r.IsConcurrencyCapped() {
			return nil, admission.NewConfigurationError("FAIL_OPEN_FORBIDDEN", "resource cannot be admitted fail-open: "+r.String())
		}
		failOpen[r] = true
	}

	return &Service{
		catalog:  catalog,
		engine:   engine,
		limiter:  limiter,
		clock:    clock,
		failOpen: failOpen,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// CheckAndReserve consumes amount units of a windowed resource.
// Time-windowed quota is consumed, never returned.
func (s *Service) CheckAndReserve(
	ctx context.Context,
	subjectID string,
	tier admission.Tier,
	resource admission.ResourceKey,
	amount int64,
) (admission.AdmissionResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "admission", "check_and_reserve",
		telemetry.WithAttribute("tier", tier.String()),
		telemetry.WithAttribute("resource", resource.String()),
		telemetry.WithAttribute("amount", amount),
	)
	defer span.End()
	start := time.Now()

	result, err := s.engine.Reserve(ctx, subjectID, tier, resource, amount)
	if err != nil {
		if errors.Is(err, admission.ErrStoreUnavailable) {
			s.metrics.RecordStoreError(ctx, "reserve", resource.String())
			if s.failOpen[resource] {
				s.logger.Warn("Admission granted fail-open",
					zap.String("subject_id", subjectID),
					zap.String("tier", tier.String()),
					zap.String("resource", resource.String()),
					zap.Error(err),
				)
				s.metrics.RecordFailOpen(ctx, resource.String())
				s.metrics.RecordDecision(ctx, resource.String(), tier.String(), OutcomeFailOpen, time.Since(start))
				telemetry.SetAttribute(span, "fail_open", true)
				telemetry.SetOK(span)
				return admission.AdmissionResult{
					Allowed:  true,
					Resource: resource,
					Tier:     tier,
					Amount:   max(amount, 1),
					FailOpen: true,
				}, nil
			}
			s.metrics.RecordDecision(ctx, resource.String(), tier.String(), OutcomeUnavailable, time.Since(start))
		} else {
			s.metrics.RecordDecision(ctx, resource.String(), tier.String(), OutcomeError, time.Since(start))
		}
		telemetry.RecordError(span, err)
		return admission.AdmissionResult{}, err
	}

	outcome := OutcomeAllowed
	if !result.Allowed {
		outcome = OutcomeDenied
		telemetry.SetAttribute(span, "binding_granularity", result.BindingGranularity.String())
	}
	telemetry.SetAttribute(span, "allowed", result.Allowed)
	telemetry.SetOK(span)
	s.metrics.RecordDecision(ctx, resource.String(), tier.String(), outcome, time.Since(start))
	return result, nil
}

// UseIdempotency enables request-key deduplication for CheckAndReserveOnce.
// ttl is how long an applied reservation is replayed to retries.
func (s *Service) UseIdempotency(store shared.IdempotencyStore, ttl time.Duration) {
	defaults := shared.DefaultIdempotencyConfig()
	if ttl <= 0 {
		ttl = defaults.TTL
	}
	s.idempotency = store
	s.idempotencyTTL = ttl
	s.idempotencyPendingTTL = defaults.PendingTTL
}

// reservationFingerprint identifies what a request key was used for
func reservationFingerprint(tier admission.Tier, resource admission.ResourceKey, amount int64) string {
	return fmt.Sprintf("%s:%s:%d", tier, resource, max(amount, 1))
}

// CheckAndReserveOnce is CheckAndReserve keyed by a caller-supplied request
// key. A retry of an applied reservation replays the stored result with
// Duplicate set and consumes nothing. Only applied reservations are stored:
// a denial, a fail-open admission or an error drops the key, so a retry is
// evaluated afresh. A retry that arrives while the first attempt is still
// running gets ErrStoreUnavailable wrapping ErrConcurrencyConflict, and
// reusing a key for a different tier, resource or amount gets
// ErrIdempotencyKeyReused.
func (s *Service) CheckAndReserveOnce(
	ctx context.Context,
	requestKey string,
	subjectID string,
	tier admission.Tier,
	resource admission.ResourceKey,
	amount int64,
) (admission.AdmissionResult, error) {
	if requestKey == "" || s.idempotency == nil {
		return s.CheckAndReserve(ctx, subjectID, tier, resource, amount)
	}

	key := fmt.Sprintf("reserve:%s:%s", subjectID, requestKey)
	fingerprint := reservationFingerprint(tier, resource, amount)
	record, claimed, err := s.idempotency.Claim(ctx, key, fingerprint, s.idempotencyPendingTTL)
	if err != nil {
		s.logger.Warn("Idempotency claim failed, reserving without deduplication",
			zap.String("subject_id", subjectID),
			zap.String("request_key", requestKey),
			zap.Error(err),
		)
		return s.CheckAndReserve(ctx, subjectID, tier, resource, amount)
	}
	if !claimed {
		return s.replayReservation(subjectID, requestKey, fingerprint, record)
	}

	result, err := s.CheckAndReserve(ctx, subjectID, tier, resource, amount)
	if err != nil || !result.Allowed || result.FailOpen {
		s.forgetRequestKey(ctx, key, requestKey)
		return result, err
	}

	outcome, err := json.Marshal(result)
	if err == nil {
		err = s.idempotency.Complete(context.WithoutCancel(ctx), key,
			shared.IdempotencyRecord{Fingerprint: fingerprint, Outcome: outcome}, s.idempotencyTTL)
	}
	if err != nil {
		// the pending record expires after idempotencyPendingTTL
		s.logger.Warn("Failed to store reservation outcome",
			zap.String("subject_id", subjectID),
			zap.String("request_key", requestKey),
			zap.Error(err),
		)
	}
	return result, nil
}

func (s *Service) replayReservation(subjectID, requestKey, fingerprint string, record shared.IdempotencyRecord) (admission.AdmissionResult, error) {
	if record.Fingerprint != fingerprint {
		s.logger.Warn("Request key reused for a different reservation",
			zap.String("subject_id", subjectID),
			zap.String("request_key", requestKey),
			zap.String("stored", record.Fingerprint),
			zap.String("requested", fingerprint),
		)
		return admission.AdmissionResult{}, admission.ErrIdempotencyKeyReused
	}
	if record.Pending() {
		return admission.AdmissionResult{}, admission.StoreUnavailable(
			"reservation "+requestKey+" still in progress", admission.ErrConcurrencyConflict)
	}

	var result admission.AdmissionResult
	if err := json.Unmarshal(record.Outcome, &result); err != nil {
		return admission.AdmissionResult{}, admission.StoreUnavailable("decode stored reservation", err)
	}
	result.Duplicate = true
	s.logger.Info("Duplicate reservation replayed",
		zap.String("subject_id", subjectID),
		zap.String("resource", result.Resource.String()),
		zap.String("request_key", requestKey),
	)
	return result, nil
}

func (s *Service) forgetRequestKey(ctx context.Context, key, requestKey string) {
	if err := s.idempotency.Forget(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("Failed to drop idempotency claim",
			zap.String("request_key", requestKey),
			zap.Error(err),
		)
	}
}

// Release returns a held resource. It is a no-op for windowed resources and
// maps to LeaveResource for concurrency-capped ones.
func (s *Service) Release(ctx context.Context, subjectID string, resource admission.ResourceKey, instanceID string) (bool, error) {
	if !resource.IsValid() {
		_, err := admission.ParseResourceKey(resource.String())
		return false, err
	}
	if !resource.IsConcurrencyCapped() {
		return false, nil
	}
	return s.LeaveResource(ctx, subjectID, instanceID)
}

// JoinResource admits the subject into a concurrency-capped resource instance
func (s *Service) JoinResource(ctx context.Context, subjectID string, tier admission.Tier, instanceID string) (admission.JoinResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "admission", "join_resource",
		telemetry.WithAttribute("tier", tier.String()),
	)
	defer span.End()
	start := time.Now()
	resource := admission.ResourceRoomMembership.String()

	result, err := s.limiter.Join(ctx, subjectID, tier, instanceID)
	if err != nil {
		outcome := OutcomeError
		if errors.Is(err, admission.ErrStoreUnavailable) {
			outcome = OutcomeUnavailable
			s.metrics.RecordStoreError(ctx, "join", resource)
		}
		s.metrics.RecordDecision(ctx, resource, tier.String(), outcome, time.Since(start))
		telemetry.RecordError(span, err)
		return admission.JoinResult{}, err
	}

	outcome := OutcomeAllowed
	if !result.Allowed {
		outcome = OutcomeDenied
	}
	telemetry.SetAttributes(span, "allowed", result.Allowed, "current_count", result.CurrentCount)
	telemetry.SetOK(span)
	s.metrics.RecordDecision(ctx, resource, tier.String(), outcome, time.Since(start))
	return result, nil
}

// LeaveResource releases a membership; leaving an instance not held is a no-op
func (s *Service) LeaveResource(ctx context.Context, subjectID, instanceID string) (bool, error) {
	removed, err := s.limiter.Leave(ctx, subjectID, instanceID)
	if err != nil && errors.Is(err, admission.ErrStoreUnavailable) {
		s.metrics.RecordStoreError(ctx, "leave", admission.ResourceRoomMembership.String())
	}
	return removed, err
}

// EvictResource forcibly removes a membership. It never denies.
func (s *Service) EvictResource(ctx context.Context, subjectID, instanceID, reason string) (bool, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "admission", "evict_resource")
	defer span.End()

	removed, err := s.limiter.Evict(ctx, subjectID, instanceID, reason)
	if err != nil {
		if errors.Is(err, admission.ErrStoreUnavailable) {
			s.metrics.RecordStoreError(ctx, "evict", admission.ResourceRoomMembership.String())
		}
		telemetry.RecordError(span, err)
		return false, err
	}
	if removed {
		s.metrics.RecordEvictions(ctx, reason, 1)
		s.publishEvictions(ctx, subjectID, reason, instanceID)
	}
	telemetry.SetOK(span)
	return removed, nil
}

// EnforceCap evicts the newest memberships until the subject fits the tier's
// cap, as required after a tier downgrade
func (s *Service) EnforceCap(ctx context.Context, subjectID string, tier admission.Tier, reason string) ([]string, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "admission", "enforce_cap",
		telemetry.WithAttribute("tier", tier.String()),
	)
	defer span.End()

	evicted, err := s.limiter.EnforceCap(ctx, subjectID, tier, reason)
	if len(evicted) > 0 {
		s.metrics.RecordEvictions(ctx, reason, len(evicted))
		s.publishEvictions(ctx, subjectID, reason, evicted...)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return evicted, err
	}
	telemetry.SetAttribute(span, "evicted", len(evicted))
	telemetry.SetOK(span)
	return evicted, nil
}

// UseEvents publishes a MembershipEvictedEvent for every removed membership
func (s *Service) UseEvents(publisher shared.EventPublisher) {
	s.events = publisher
}

func (s *Service) publishEvictions(ctx context.Context, subjectID, reason string, instanceIDs ...string) {
	if s.events == nil {
		return
	}
	now := s.clock.Now()
	events := make([]shared.DomainEvent, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		events = append(events, admission.NewMembershipEvictedEvent(subjectID, id, reason, now))
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), events...); err != nil {
		s.logger.Warn("Failed to publish eviction events",
			zap.String("subject_id", subjectID),
			zap.Error(err),
		)
	}
}

// TierLimitsInfo returns the display summary of a tier
func (s *Service) TierLimitsInfo(tier admission.Tier) (admission.TierInfo, error) {
	def, err := s.catalog.LimitsFor(tier)
	if err != nil {
		return admission.TierInfo{}, err
	}
	return admission.TierInfo{
		Tier:          tier,
		DisplayName:   tier.DisplayName(),
		MaxConcurrent: def.MaxConcurrentRooms,
		Description:   def.Description,
		Definition:    def,
	}, nil
}

// AllTierLimits returns the display summary of every tier
func (s *Service) AllTierLimits() []admission.TierInfo {
	defs := s.catalog.Definitions()
	out := make([]admission.TierInfo, 0, len(defs))
	for _, def := range defs {
		out = append(out, admission.TierInfo{
			Tier:          def.Tier,
			DisplayName:   def.Tier.DisplayName(),
			MaxConcurrent: def.MaxConcurrentRooms,
			Description:   def.Description,
			Definition:    def,
		})
	}
	return out
}

// CatalogVersion returns the version of the active tier catalog
func (s *Service) CatalogVersion() string {
	return s.catalog.Version()
}

// UsageSnapshot returns display-only usage of every windowed resource and the
// current memberships of the subject. Values are not authoritative.
func (s *Service) UsageSnapshot(ctx context.Context, subjectID string, tier admission.Tier) (admission.UsageSnapshot, error) {
	def, err := s.catalog.LimitsFor(tier)
	if err != nil {
		return admission.UsageSnapshot{}, err
	}

	resources := admission.WindowedResources()
	perResource := make([][]admission.UsageEntry, len(resources))
	var memberships []admission.Membership

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range resources {
		g.Go(func() error {
			entries, err := s.engine.Peek(gctx, subjectID, tier, r)
			if err != nil {
				return err
			}
			perResource[i] = entries
			return nil
		})
	}
	g.Go(func() error {
		ms, err := s.limiter.List(gctx, subjectID)
		if err != nil {
			return err
		}
		memberships = ms
		return nil
	})
	if err := g.Wait(); err != nil {
		return admission.UsageSnapshot{}, err
	}

	snapshot := admission.UsageSnapshot{
		SubjectID:        subjectID,
		Tier:             tier,
		CatalogVersion:   s.catalog.Version(),
		TakenAt:          s.clock.Now().UTC(),
		Entries:          make([]admission.UsageEntry, 0, len(resources)*2),
		ActiveMembers:    admission.InstanceIDs(memberships),
		MaxConcurrent:    def.MaxConcurrentRooms,
		UnboundedEntries: []admission.ResourceKey{},
	}
	for i, entries := range perResource {
		if len(entries) == 0 {
			snapshot.UnboundedEntries = append(snapshot.UnboundedEntries, resources[i])
			continue
		}
		snapshot.Entries = append(snapshot.Entries, entries...)
	}
	return snapshot, nil
}

// Ping checks reachability of the underlying stores
func (s *Service) Ping(ctx context.Context, checkers ...admission.HealthChecker) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range checkers {
		if c == nil {
			continue
		}
		g.Go(func() error {
			if err := c.Ping(gctx); err != nil {
				return admission.StoreUnavailable("ping", err)
			}
			return nil
		})
	}
	return g.Wait()
}
