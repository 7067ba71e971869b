package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	admissionapp "github.com/chatsaas/backend/internal/application/admission"
	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/chatsaas/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
)

// readinessTimeout bounds the store pings of a readiness probe
const readinessTimeout = 2 * time.Second

// SystemHandler serves liveness and readiness probes
type SystemHandler struct {
	BaseHandler
	service   *admissionapp.Service
	checkers  []admission.HealthChecker
	version   string
	startTime time.Time
}

// NewSystemHandler creates a new SystemHandler. Readiness pings every checker.
func NewSystemHandler(service *admissionapp.Service, version string, checkers ...admission.HealthChecker) *SystemHandler {
	return &SystemHandler{
		service:   service,
		checkers:  checkers,
		version:   version,
		startTime: time.Now(),
	}
}

// HealthResponse is the liveness payload
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	CatalogVersion string `json:"catalog_version"`
	GoVersion      string `json:"go_version"`
	Uptime         string `json:"uptime"`
}

// Health handles GET /health. It never touches storage.
func (h *SystemHandler) Health(c *gin.Context) {
	h.Success(c, HealthResponse{
		Status:         "healthy",
		Version:        h.version,
		CatalogVersion: h.service.CatalogVersion(),
		GoVersion:      runtime.Version(),
		Uptime:         time.Since(h.startTime).Round(time.Second).String(),
	})
}

// ReadyResponse is the readiness payload
type ReadyResponse struct {
	Status string `json:"status"`
}

// Ready handles GET /ready. It returns 503 while any store is unreachable.
func (h *SystemHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	if err := h.service.Ping(ctx, h.checkers...); err != nil {
		c.JSON(http.StatusServiceUnavailable, dto.Response{
			Success: false,
			Data:    ReadyResponse{Status: "unavailable"},
			Error: &dto.ErrorInfo{
				Code:      dto.ErrCodeStoreUnavailable,
				Message:   err.Error(),
				RequestID: getRequestID(c),
			},
		})
		return
	}
	h.Success(c, ReadyResponse{Status: "ready"})
}

// RegisterProbes mounts the probes at the engine root
func (h *SystemHandler) RegisterProbes(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
}
