package deposit

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mercatod/mercato/internal/profile"
)

// Handlers exposes deposit operations over HTTP.
type Handlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHandlers creates deposit HTTP handlers.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers deposit endpoints.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	deposits := r.Group("/deposits")
	{
		deposits.POST("", h.create)
		deposits.GET("/:id", h.get)
	}
	r.GET("/profiles/:id/deposits", h.listByProfile)
}

// RegisterAdminRoutes registers operator-only endpoints for the manual
// approval path.
func (h *Handlers) RegisterAdminRoutes(r gin.IRouter) {
	r.POST("/deposits/:id/approve", h.approveManual)
	r.POST("/deposits/:id/reject", h.reject)
}

type createRequest struct {
	ProfileID int64            `json:"profileId" binding:"required"`
	Amount    string           `json:"amount" binding:"required"`
	Currency  profile.Currency `json:"currency" binding:"required"`
	Method    Method           `json:"method" binding:"required"`
}

func (h *Handlers) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := h.service.Create(c.Request.Context(), req.ProfileID, req.Amount, req.Currency, req.Method)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *Handlers) get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handlers) listByProfile(c *gin.Context) {
	profileID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	deposits, err := h.service.ListByProfile(c.Request.Context(), profileID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposits": deposits})
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (h *Handlers) approveManual(c *gin.Context) {
	var req notesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := h.service.ApproveManual(c.Request.Context(), c.Param("id"), req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handlers) reject(c *gin.Context) {
	var req notesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := h.service.Reject(c.Request.Context(), c.Param("id"), req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDepositNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "deposit not found"})
	case errors.Is(err, ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "deposit is no longer pending"})
	case errors.Is(err, profile.ErrBlocked):
		c.JSON(http.StatusForbidden, gin.H{"error": "profile is blocked"})
	default:
		h.logger.Error("deposit handler error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
