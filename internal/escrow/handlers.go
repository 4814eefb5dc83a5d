package escrow

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mercatod/mercato/internal/profile"
)

// Handlers exposes escrow operations over HTTP. The caller is the trusted
// bot gateway, so actor IDs arrive in the request body rather than from a
// session.
type Handlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHandlers creates escrow HTTP handlers.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers escrow endpoints.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	sales := r.Group("/sales")
	{
		sales.POST("", h.createSale)
		sales.POST("/claim", h.claim)
		sales.GET("/:id", h.get)
		sales.POST("/:id/pay", h.payFromBalance)
		sales.POST("/:id/sent", h.markItemSent)
		sales.POST("/:id/confirm", h.confirmReceived)
		sales.POST("/:id/dispute", h.raiseDispute)
		sales.POST("/:id/withdraw", h.withdrawListing)
	}
}

// RegisterAdminRoutes registers operator-only endpoints. The server mounts
// these behind the admin token middleware.
func (h *Handlers) RegisterAdminRoutes(r gin.IRouter) {
	r.POST("/sales/:id/resolve", h.resolveDispute)
}

type createSaleRequest struct {
	SellerID  int64            `json:"sellerId" binding:"required"`
	ProductID string           `json:"productId" binding:"required"`
	Price     string           `json:"price" binding:"required"`
	Currency  profile.Currency `json:"currency" binding:"required"`
}

func (h *Handlers) createSale(c *gin.Context) {
	var req createSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tx, err := h.service.CreateSale(c.Request.Context(), req.SellerID, req.ProductID, req.Price, req.Currency)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

type claimRequest struct {
	Link    string `json:"link" binding:"required"`
	BuyerID int64  `json:"buyerId" binding:"required"`
}

func (h *Handlers) claim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tx, err := h.service.ClaimByLink(c.Request.Context(), req.Link, req.BuyerID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handlers) get(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

type actorRequest struct {
	ActorID int64 `json:"actorId" binding:"required"`
}

func (h *Handlers) payFromBalance(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tx, err := h.service.PayFromBalance(c.Request.Context(), c.Param("id"), req.ActorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handlers) markItemSent(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tx, err := h.service.MarkItemSent(c.Request.Context(), c.Param("id"), req.ActorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handlers) confirmReceived(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tx, err := h.service.ConfirmReceived(c.Request.Context(), c.Param("id"), req.ActorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

type disputeRequest struct {
	ActorID int64  `json:"actorId" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

func (h *Handlers) raiseDispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tx, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), req.ActorID, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

type resolveRequest struct {
	Outcome Status `json:"outcome" binding:"required"`
	Note    string `json:"note"`
}

func (h *Handlers) resolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tx, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req.Outcome, req.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handlers) withdrawListing(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tx, err := h.service.WithdrawListing(c.Request.Context(), c.Param("id"), req.ActorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// ListByProfileHandler serves a profile's transaction history. Mounted by
// the server under the profile routes.
func (h *Handlers) ListByProfileHandler(c *gin.Context) {
	profileID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	txs, err := h.service.ListByProfile(c.Request.Context(), profileID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (h *Handlers) writeError(c *gin.Context, err error) {
	var pre *PreconditionError
	switch {
	case errors.As(err, &pre):
		c.JSON(http.StatusConflict, gin.H{"error": pre.Error(), "currentStatus": string(pre.Current)})
	case errors.Is(err, ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
	case errors.Is(err, ErrAlreadyClaimed):
		c.JSON(http.StatusConflict, gin.H{"error": "listing is claimed by another buyer"})
	case errors.Is(err, ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "transaction changed concurrently, retry"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for this operation"})
	case errors.Is(err, profile.ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance"})
	case errors.Is(err, profile.ErrBlocked):
		c.JSON(http.StatusForbidden, gin.H{"error": "profile is blocked"})
	default:
		h.logger.Error("escrow handler error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
