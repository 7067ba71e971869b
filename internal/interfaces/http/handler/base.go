package handler

import (
	"errors"
	"net/http"

	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/chatsaas/backend/internal/domain/shared"
	"github.com/chatsaas/backend/internal/infrastructure/logger"
	"github.com/chatsaas/backend/internal/interfaces/http/dto"
	"github.com/chatsaas/backend/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// storeRetryAfterSeconds is sent with 503 responses for unavailable storage
const storeRetryAfterSeconds = "1"

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// getRequestID extracts the request ID from the context
func getRequestID(c *gin.Context) string {
	if id := middleware.GetRequestID(c); id != "" {
		return id
	}
	return c.GetHeader(middleware.RequestIDHeader)
}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Error sends an error response with the appropriate status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponseWithRequestID(code, message, getRequestID(c)))
}

// ErrorWithDetails sends an error response carrying structured details
func (h *BaseHandler) ErrorWithDetails(c *gin.Context, statusCode int, code, message string, details any) {
	c.JSON(statusCode, dto.NewErrorResponseWithDetails(code, message, getRequestID(c), details))
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, message)
}

// InternalError sends a 500 internal server error response
func (h *BaseHandler) InternalError(c *gin.Context, message string) {
	h.Error(c, http.StatusInternalServerError, dto.ErrCodeInternal, message)
}

// HandleError maps admission and domain errors to HTTP responses:
// caller-supplied unknown tier or resource is 400, a broken catalog is 500,
// unreachable storage is 503 with Retry-After, and other domain errors use
// their code's status.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	log := logger.L(c.Request.Context())

	var cfgErr *admission.ConfigurationError
	if errors.As(err, &cfgErr) {
		status := http.StatusInternalServerError
		if cfgErr.IsInputFault() {
			status = http.StatusBadRequest
		} else {
			log.Error("Admission catalog fault", zap.String("reason", cfgErr.Reason), zap.Error(err))
		}
		h.ErrorWithDetails(c, status, dto.ErrCodeConfiguration, cfgErr.Message, gin.H{"reason": cfgErr.Reason})
		return
	}

	if errors.Is(err, admission.ErrStoreUnavailable) {
		log.Warn("Admission storage unavailable", zap.Error(err))
		c.Header("Retry-After", storeRetryAfterSeconds)
		h.Error(c, http.StatusServiceUnavailable, dto.ErrCodeStoreUnavailable, admission.ErrStoreUnavailable.Message)
		return
	}

	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		code := dto.NormalizeErrorCode(domainErr.Code)
		// wrapped domain errors carry the specific cause in err's message
		h.Error(c, dto.GetHTTPStatus(code), code, err.Error())
		return
	}

	log.Error("Unhandled admission error", zap.Error(err))
	h.InternalError(c, "An unexpected error occurred")
}

// bindJSON binds the body and writes the validation response on failure
func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		middleware.HandleValidationError(c, err)
		return false
	}
	return true
}
