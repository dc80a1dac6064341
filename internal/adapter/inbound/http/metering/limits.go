package meteringhttp

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tallyhq/metering/internal/domain/limits"
	"github.com/tallyhq/metering/internal/model"
	apperrors "github.com/tallyhq/metering/internal/shared/errors"
)

// LimitsHandler handles spending limit HTTP requests.
type LimitsHandler struct {
	guard *limits.Guard
}

// NewLimitsHandler creates a new limits handler.
func NewLimitsHandler(guard *limits.Guard) *LimitsHandler {
	return &LimitsHandler{guard: guard}
}

// RegisterRoutes registers limit routes.
func (h *LimitsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id/limit", h.CheckLimit)
	r.PUT("/accounts/:id/limit", h.SetLimit)
}

// CheckLimit handles GET /accounts/:id/limit, the pre-flight check.
func (h *LimitsHandler) CheckLimit(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}

	decision, err := h.guard.CheckLimit(c.Request.Context(), accountID)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, decision)
}

// SetLimit handles PUT /accounts/:id/limit.
func (h *LimitsHandler) SetLimit(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}

	var req struct {
		MonthlyCapMicros      int64  `json:"monthly_cap_micros"`
		AlertThresholdPercent int    `json:"alert_threshold_percent"`
		HardLimit             bool   `json:"hard_limit"`
		Timezone              string `json:"timezone"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apperrors.BadRequest(err.Error()).ToResponse())
		return
	}
	if req.AlertThresholdPercent == 0 {
		req.AlertThresholdPercent = 80
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}

	cfg := &model.SpendingLimitConfig{
		AccountID:             accountID,
		MonthlyCapMicros:      req.MonthlyCapMicros,
		AlertThresholdPercent: req.AlertThresholdPercent,
		HardLimit:             req.HardLimit,
		Timezone:              req.Timezone,
	}
	if err := h.guard.SetLimit(c.Request.Context(), cfg); err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, cfg)
}
