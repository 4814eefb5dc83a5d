package withdrawal

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mercatod/mercato/internal/profile"
)

// Kicker triggers an immediate disburser pass. Satisfied by the disburser
// timer.
type Kicker interface {
	Kick()
}

// Handlers exposes withdrawal operations over HTTP.
type Handlers struct {
	service *Service
	kicker  Kicker
	logger  *slog.Logger
}

// NewHandlers creates withdrawal HTTP handlers.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// WithKicker makes auto-approved withdrawals trigger a payout pass
// immediately instead of waiting for the next tick.
func (h *Handlers) WithKicker(k Kicker) *Handlers {
	h.kicker = k
	return h
}

// RegisterRoutes registers withdrawal endpoints.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	withdrawals := r.Group("/withdrawals")
	{
		withdrawals.POST("", h.request)
		withdrawals.GET("/:id", h.get)
	}
	r.GET("/profiles/:id/withdrawals", h.listByProfile)
}

// RegisterAdminRoutes registers operator-only endpoints.
func (h *Handlers) RegisterAdminRoutes(r gin.IRouter) {
	r.GET("/withdrawals/pending", h.listPending)
	r.POST("/withdrawals/:id/approve", h.approve)
	r.POST("/withdrawals/:id/reject", h.reject)
	r.POST("/withdrawals/:id/settle", h.completeManual)
}

type requestBody struct {
	ProfileID   int64            `json:"profileId" binding:"required"`
	Amount      string           `json:"amount" binding:"required"`
	Currency    profile.Currency `json:"currency" binding:"required"`
	Destination string           `json:"destination" binding:"required"`
}

func (h *Handlers) request(c *gin.Context) {
	var req requestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, err := h.service.Request(c.Request.Context(), req.ProfileID, req.Amount, req.Currency, req.Destination)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if w.Status == StatusApproved && h.kicker != nil {
		h.kicker.Kick()
	}
	c.JSON(http.StatusCreated, w)
}

func (h *Handlers) get(c *gin.Context) {
	w, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handlers) listByProfile(c *gin.Context) {
	profileID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	withdrawals, err := h.service.ListByProfile(c.Request.Context(), profileID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": withdrawals})
}

func (h *Handlers) listPending(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	withdrawals, err := h.service.ListPending(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": withdrawals})
}

func (h *Handlers) approve(c *gin.Context) {
	w, err := h.service.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if h.kicker != nil {
		h.kicker.Kick()
	}
	c.JSON(http.StatusOK, w)
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (h *Handlers) reject(c *gin.Context) {
	var req notesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, err := h.service.Reject(c.Request.Context(), c.Param("id"), req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

type settleRequest struct {
	Reference string `json:"reference" binding:"required"`
}

func (h *Handlers) completeManual(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, err := h.service.CompleteManual(c.Request.Context(), c.Param("id"), req.Reference)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrWithdrawalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "withdrawal not found"})
	case errors.Is(err, ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "withdrawal status changed, retry"})
	case errors.Is(err, ErrBelowMinimum):
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount below minimum withdrawal"})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance"})
	case errors.Is(err, profile.ErrBlocked):
		c.JSON(http.StatusForbidden, gin.H{"error": "profile is blocked"})
	case errors.Is(err, profile.ErrProfileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
	default:
		h.logger.Error("withdrawal handler error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
