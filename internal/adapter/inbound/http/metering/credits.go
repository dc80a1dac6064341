package meteringhttp

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tallyhq/metering/internal/model"
	"github.com/tallyhq/metering/internal/port/inbound"
	apperrors "github.com/tallyhq/metering/internal/shared/errors"
)

// CreditsHandler handles balance and ledger HTTP requests.
type CreditsHandler struct {
	ledger inbound.LedgerService
}

// NewCreditsHandler creates a new credits handler.
func NewCreditsHandler(ledger inbound.LedgerService) *CreditsHandler {
	return &CreditsHandler{ledger: ledger}
}

// RegisterRoutes registers credit routes.
func (h *CreditsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id/balance", h.GetBalance)
	r.GET("/accounts/:id/ledger", h.ListEntries)
	r.POST("/accounts/:id/credits", h.ApplyCredits)
}

// GetBalance handles GET /accounts/:id/balance.
func (h *CreditsHandler) GetBalance(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

// ListEntries handles GET /accounts/:id/ledger.
func (h *CreditsHandler) ListEntries(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := h.ledger.ListEntries(c.Request.Context(), accountID, limit, offset)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// ApplyCredits handles POST /accounts/:id/credits.
func (h *CreditsHandler) ApplyCredits(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}

	var req struct {
		AmountMicros int64  `json:"amount_micros" binding:"required"`
		Type         string `json:"type" binding:"required"`
		Description  string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apperrors.BadRequest(err.Error()).ToResponse())
		return
	}

	err := h.ledger.Credit(c.Request.Context(), accountID, req.AmountMicros, model.LedgerEntryType(req.Type), req.Description)
	if err != nil {
		handleError(c, err)
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, balance)
}
