package handler

import (
	admissionapp "github.com/chatsaas/backend/internal/application/admission"
	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/chatsaas/backend/internal/infrastructure/auth"
	"github.com/chatsaas/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
)

// TierHandler serves the tier catalog for display
type TierHandler struct {
	BaseHandler
	service *admissionapp.Service
}

// NewTierHandler creates a new TierHandler
func NewTierHandler(service *admissionapp.Service) *TierHandler {
	return &TierHandler{service: service}
}

// TierListResponse is every tier of the active catalog
type TierListResponse struct {
	CatalogVersion string         `json:"catalog_version"`
	Tiers          []TierResponse `json:"tiers"`
}

// List handles GET /tiers
func (h *TierHandler) List(c *gin.Context) {
	infos := h.service.AllTierLimits()
	resp := TierListResponse{
		CatalogVersion: h.service.CatalogVersion(),
		Tiers:          make([]TierResponse, 0, len(infos)),
	}
	for _, info := range infos {
		resp.Tiers = append(resp.Tiers, toTierResponse(info))
	}
	h.Success(c, resp)
}

// Get handles GET /tiers/:tier. An unknown tier is a 400 configuration error.
func (h *TierHandler) Get(c *gin.Context) {
	tier, err := admission.ParseTier(c.Param("tier"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	info, err := h.service.TierLimitsInfo(tier)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, toTierResponse(info))
}

// RegisterRoutes mounts the tier routes
func (h *TierHandler) RegisterRoutes(rg *gin.RouterGroup) {
	tiers := rg.Group("/tiers", middleware.RequireScope(auth.ScopeAdmission))
	tiers.GET("", h.List)
	tiers.GET("/:tier", h.Get)
}
