package product

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mercatod/mercato/internal/profile"
)

// Handlers exposes product operations over HTTP.
type Handlers struct {
	service *Service
	logger  *slog.Logger
}

// NewHandlers creates product HTTP handlers.
func NewHandlers(service *Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers product endpoints.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	products := r.Group("/products")
	{
		products.POST("", h.create)
		products.GET("/:id", h.get)
		products.POST("/:id/deactivate", h.deactivate)
	}
	r.GET("/sellers/:id/products", h.listBySeller)
}

type createRequest struct {
	SellerID int64            `json:"sellerId" binding:"required"`
	Title    string           `json:"title" binding:"required"`
	Price    string           `json:"price" binding:"required"`
	Currency profile.Currency `json:"currency" binding:"required"`
}

func (h *Handlers) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.service.Create(c.Request.Context(), req.SellerID, req.Title, req.Price, req.Currency)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handlers) get(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type actorRequest struct {
	ActorID int64 `json:"actorId" binding:"required"`
}

func (h *Handlers) deactivate(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.Deactivate(c.Request.Context(), c.Param("id"), req.ActorID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "active": false})
}

func (h *Handlers) listBySeller(c *gin.Context) {
	sellerID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid seller id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	products, err := h.service.ListBySeller(c.Request.Context(), sellerID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
	case errors.Is(err, ErrInvalidPrice):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
	case errors.Is(err, ErrNotSeller):
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for this operation"})
	default:
		h.logger.Error("product handler error", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
