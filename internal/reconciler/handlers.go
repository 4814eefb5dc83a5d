package reconciler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handlers exposes the unmatched-transfer review queue. Operator only.
type Handlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHandlers creates reconciler HTTP handlers.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterAdminRoutes registers the review endpoints.
func (h *Handlers) RegisterAdminRoutes(r gin.IRouter) {
	r.GET("/unmatched", h.list)
	r.POST("/unmatched/:id/review", h.review)
}

func (h *Handlers) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	transfers, err := h.service.ListUnmatched(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("unmatched list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": transfers})
}

type reviewRequest struct {
	Notes string `json:"notes"`
}

func (h *Handlers) review(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.MarkReviewed(c.Request.Context(), id, req.Notes); err != nil {
		h.logger.Error("unmatched review failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "reviewed": true})
}
