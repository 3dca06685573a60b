package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"companion-engine/internal/repository"
	"companion-engine/internal/service"
)

// BillingHandler exposes the wallet, stamina, and gift REST surface.
type BillingHandler struct {
	logger   *zap.Logger
	wallets  *service.WalletService
	staminas *service.StaminaService
	gifts    *service.GiftService
	catalog  service.GiftCatalog
	ledger   repository.Ledger
	giftRepo repository.Gifts
}

func NewBillingHandler(
	logger *zap.Logger,
	wallets *service.WalletService,
	staminas *service.StaminaService,
	gifts *service.GiftService,
	catalog service.GiftCatalog,
	ledger repository.Ledger,
	giftRepo repository.Gifts,
) *BillingHandler {
	return &BillingHandler{
		logger: logger, wallets: wallets, staminas: staminas, gifts: gifts,
		catalog: catalog, ledger: ledger, giftRepo: giftRepo,
	}
}

// GetBalance handles GET /wallet/balance?user_id=...
func (h *BillingHandler) GetBalance(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	wallet, err := h.wallets.Balance(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("get wallet balance failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not fetch balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

// PurchaseCredits handles POST /wallet/purchase.
func (h *BillingHandler) PurchaseCredits(c *gin.Context) {
	var req struct {
		UserID string  `json:"user_id" binding:"required"`
		Amount float64 `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := h.wallets.Purchase(c.Request.Context(), req.UserID, req.Amount, time.Now().UTC()); err != nil {
		h.logger.Error("credit purchase failed", zap.Error(err), zap.String("user_id", req.UserID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not complete purchase"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListTransactions handles GET /wallet/transactions?user_id=...&limit=...
func (h *BillingHandler) ListTransactions(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	entries, err := h.ledger.ListByUser(c.Request.Context(), userID, 50)
	if err != nil {
		h.logger.Error("list transactions failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not fetch transactions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": entries})
}

// GetStamina handles GET /stamina?user_id=...
func (h *BillingHandler) GetStamina(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	stamina, err := h.staminas.Status(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("get stamina failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not fetch stamina"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stamina": stamina})
}

// PurchaseStamina handles POST /stamina/purchase.
func (h *BillingHandler) PurchaseStamina(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
		Packs  int    `json:"packs" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := h.staminas.Purchase(c.Request.Context(), req.UserID, req.Packs, time.Now().UTC()); err != nil {
		h.logger.Error("stamina purchase failed", zap.Error(err), zap.String("user_id", req.UserID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not complete purchase"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetCatalog handles GET /gifts/catalog.
func (h *BillingHandler) GetCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"catalog": h.catalog.List()})
}

// SendGift handles POST /gifts.
func (h *BillingHandler) SendGift(c *gin.Context) {
	var req struct {
		UserID         string `json:"user_id" binding:"required"`
		CharacterID    string `json:"character_id" binding:"required"`
		SessionID      string `json:"session_id"`
		GiftType       string `json:"gift_type" binding:"required"`
		IdempotencyKey string `json:"idempotency_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	result, err := h.gifts.Send(c.Request.Context(), service.GiftRequest{
		UserID:         req.UserID,
		CharacterID:    req.CharacterID,
		SessionID:      req.SessionID,
		GiftType:       req.GiftType,
		IdempotencyKey: req.IdempotencyKey,
	}, time.Now().UTC())
	if err != nil {
		h.logger.Error("send gift failed", zap.Error(err), zap.String("user_id", req.UserID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not send gift"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// GiftHistory handles GET /gifts/history?user_id=...
func (h *BillingHandler) GiftHistory(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	gifts, err := h.giftRepo.ListByUser(c.Request.Context(), userID, 50)
	if err != nil {
		h.logger.Error("list gift history failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not fetch gift history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"gifts": gifts})
}
