package settings

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// allowedKeys lists the keys operators may write over the API. The
// encrypted seed is included; it arrives already encrypted, the API
// never sees plaintext key material.
var allowedKeys = map[string]bool{
	KeyCommissionRate:      true,
	KeyReferralL1Rate:      true,
	KeyReferralL2Rate:      true,
	KeyWithdrawalMode:      true,
	KeyMinWithdrawalAmount: true,
	KeyWalletSeedEnc:       true,
}

// Handlers exposes settings management. Operator only.
type Handlers struct {
	service *Service
	store   Store
	logger  *slog.Logger
}

// NewHandlers creates settings HTTP handlers.
func NewHandlers(service *Service, store Store, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, store: store, logger: logger}
}

// RegisterAdminRoutes registers the settings endpoints.
func (h *Handlers) RegisterAdminRoutes(r gin.IRouter) {
	r.GET("/settings", h.list)
	r.POST("/settings", h.set)
}

func (h *Handlers) list(c *gin.Context) {
	all, err := h.store.All(c.Request.Context())
	if err != nil {
		h.logger.Error("settings list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	// Never return the seed blob, even encrypted.
	if _, ok := all[KeyWalletSeedEnc]; ok {
		all[KeyWalletSeedEnc] = "(set)"
	}
	c.JSON(http.StatusOK, gin.H{"settings": all})
}

type setRequest struct {
	Key   string `json:"key" binding:"required"`
	Value string `json:"value" binding:"required"`
}

func (h *Handlers) set(c *gin.Context) {
	var req setRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !allowedKeys[req.Key] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown setting key"})
		return
	}
	if req.Key == KeyWithdrawalMode && req.Value != ModeManual && req.Value != ModeAuto {
		c.JSON(http.StatusBadRequest, gin.H{"error": "withdrawal_mode must be manual or auto"})
		return
	}

	if err := h.service.Set(c.Request.Context(), req.Key, req.Value); err != nil {
		h.logger.Error("settings write failed", "key", req.Key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key})
}
