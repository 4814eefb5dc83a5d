package referral

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handlers exposes read-only referral earnings over HTTP.
type Handlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHandlers creates referral HTTP handlers.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers referral endpoints.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	r.GET("/profiles/:id/referral-earnings", h.listEarnings)
}

func (h *Handlers) listEarnings(c *gin.Context) {
	profileID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	earnings, err := h.service.ListEarnings(c.Request.Context(), profileID, limit)
	if err != nil {
		h.logger.Error("referral handler error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"earnings": earnings})
}
