package profile

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handlers exposes profile operations over HTTP.
type Handlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHandlers creates profile HTTP handlers.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers profile endpoints.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	profiles := r.Group("/profiles")
	{
		profiles.POST("", h.ensure)
		profiles.GET("/:id", h.get)
		profiles.GET("/:id/history", h.history)
	}
}

// RegisterAdminRoutes registers operator-only endpoints.
func (h *Handlers) RegisterAdminRoutes(r gin.IRouter) {
	r.POST("/profiles/:id/block", h.setBlocked)
}

type ensureRequest struct {
	ID           int64  `json:"id" binding:"required"`
	Username     string `json:"username"`
	ReferralCode string `json:"referralCode"`
}

func (h *Handlers) ensure(c *gin.Context) {
	var req ensureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.service.Ensure(c.Request.Context(), req.ID, req.Username, req.ReferralCode)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handlers) get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}

	p, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handlers) history(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := h.service.History(c.Request.Context(), id, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type blockRequest struct {
	Blocked *bool `json:"blocked" binding:"required"`
}

func (h *Handlers) setBlocked(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.SetBlocked(c.Request.Context(), id, *req.Blocked); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "blocked": *req.Blocked})
}

func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrProfileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
	case errors.Is(err, ErrBlocked):
		c.JSON(http.StatusForbidden, gin.H{"error": "profile is blocked"})
	default:
		h.logger.Error("profile handler error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
