package handler

import (
	"net/http"
	"strconv"

	admissionapp "github.com/chatsaas/backend/internal/application/admission"
	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/chatsaas/backend/internal/infrastructure/auth"
	"github.com/chatsaas/backend/internal/infrastructure/logger"
	"github.com/chatsaas/backend/internal/interfaces/http/dto"
	"github.com/chatsaas/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
)

// Reasons recorded when no reason is supplied
const (
	defaultEvictReason   = "admin_evict"
	defaultEnforceReason = "tier_downgrade"
)

// AdmissionHandler exposes the admission facade to collaborating services
type AdmissionHandler struct {
	BaseHandler
	service *admissionapp.Service
}

// NewAdmissionHandler creates a new AdmissionHandler
func NewAdmissionHandler(service *admissionapp.Service) *AdmissionHandler {
	return &AdmissionHandler{service: service}
}

// withSubject tags the request context so the access log and downstream
// spans carry the subject
func withSubject(c *gin.Context, subjectID, tier string) {
	c.Request = c.Request.WithContext(logger.WithSubject(c.Request.Context(), subjectID, tier))
}

// Reserve handles POST /admission/reserve. A denial is rendered as 429 with
// the binding window's usage and a Retry-After header.
func (h *AdmissionHandler) Reserve(c *gin.Context) {
	var req ReserveRequest
	if !bindJSON(c, &req) {
		return
	}
	withSubject(c, req.SubjectID, req.Tier)

	result, err := h.service.CheckAndReserveOnce(
		c.Request.Context(),
		c.GetHeader(middleware.IdempotencyKeyHeader),
		req.SubjectID,
		admission.Tier(req.Tier),
		admission.ResourceKey(req.Resource),
		req.Amount,
	)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if !result.Allowed {
		c.Header("Retry-After", strconv.FormatInt(result.RetryAfterSeconds(), 10))
		h.ErrorWithDetails(c, http.StatusTooManyRequests, dto.ErrCodeQuotaExceeded,
			result.Resource.DisplayName()+" limit reached for this "+result.BindingGranularity.String(),
			toQuotaExceededDetails(result))
		return
	}
	h.Success(c, toReserveResponse(result))
}

// Release handles POST /admission/release. Windowed resources are never
// returned; the call succeeds with released=false.
func (h *AdmissionHandler) Release(c *gin.Context) {
	var req ReleaseRequest
	if !bindJSON(c, &req) {
		return
	}

	released, err := h.service.Release(c.Request.Context(), req.SubjectID, admission.ResourceKey(req.Resource), req.InstanceID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, ReleaseResponse{Released: released})
}

// Join handles POST /memberships/join
func (h *AdmissionHandler) Join(c *gin.Context) {
	var req JoinRequest
	if !bindJSON(c, &req) {
		return
	}
	withSubject(c, req.SubjectID, req.Tier)

	result, err := h.service.JoinResource(c.Request.Context(), req.SubjectID, admission.Tier(req.Tier), req.InstanceID)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if !result.Allowed {
		h.ErrorWithDetails(c, http.StatusTooManyRequests, dto.ErrCodeMembershipLimit,
			"Maximum concurrent rooms reached; leave a room before joining another",
			toJoinResponse(result))
		return
	}
	h.Success(c, toJoinResponse(result))
}

// Leave handles POST /memberships/leave. Leaving an instance not held is a no-op.
func (h *AdmissionHandler) Leave(c *gin.Context) {
	var req LeaveRequest
	if !bindJSON(c, &req) {
		return
	}

	released, err := h.service.LeaveResource(c.Request.Context(), req.SubjectID, req.InstanceID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, ReleaseResponse{Released: released})
}

// Evict handles POST /memberships/evict. Eviction is idempotent.
func (h *AdmissionHandler) Evict(c *gin.Context) {
	var req EvictRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = defaultEvictReason
	}

	evicted, err := h.service.EvictResource(c.Request.Context(), req.SubjectID, req.InstanceID, req.Reason)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, EvictResponse{Evicted: evicted})
}

// Enforce handles POST /memberships/enforce, typically after a tier downgrade
func (h *AdmissionHandler) Enforce(c *gin.Context) {
	var req EnforceRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = defaultEnforceReason
	}
	withSubject(c, req.SubjectID, req.Tier)

	evicted, err := h.service.EnforceCap(c.Request.Context(), req.SubjectID, admission.Tier(req.Tier), req.Reason)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if evicted == nil {
		evicted = []string{}
	}
	h.Success(c, EnforceResponse{Evicted: evicted})
}

// Usage handles GET /subjects/:subject_id/usage?tier=
func (h *AdmissionHandler) Usage(c *gin.Context) {
	var q UsageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}
	subjectID := c.Param("subject_id")
	withSubject(c, subjectID, q.Tier)

	snapshot, err := h.service.UsageSnapshot(c.Request.Context(), subjectID, admission.Tier(q.Tier))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, toUsageSnapshotResponse(snapshot))
}

// RegisterRoutes mounts the admission and membership routes. Eviction and
// cap enforcement need the admin scope.
func (h *AdmissionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	callers := rg.Group("", middleware.RequireScope(auth.ScopeAdmission))
	callers.POST("/admission/reserve", h.Reserve)
	callers.POST("/admission/release", h.Release)
	callers.POST("/memberships/join", h.Join)
	callers.POST("/memberships/leave", h.Leave)
	callers.GET("/subjects/:subject_id/usage", h.Usage)

	admins := rg.Group("/memberships", middleware.RequireScope(auth.ScopeAdmin))
	admins.POST("/evict", h.Evict)
	admins.POST("/enforce", h.Enforce)
}
