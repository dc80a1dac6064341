package meteringhttp

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tallyhq/metering/internal/model"
	"github.com/tallyhq/metering/internal/port/inbound"
	apperrors "github.com/tallyhq/metering/internal/shared/errors"
)

// UsageHandler handles usage recording and stats HTTP requests.
type UsageHandler struct {
	recorder inbound.UsageRecorder
	stats    inbound.UsageStatsReader
}

// NewUsageHandler creates a new usage handler.
func NewUsageHandler(recorder inbound.UsageRecorder, stats inbound.UsageStatsReader) *UsageHandler {
	return &UsageHandler{recorder: recorder, stats: stats}
}

// RegisterRoutes registers usage routes.
func (h *UsageHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/usage", h.RecordUsage)
	r.GET("/accounts/:id/usage", h.GetUsageStats)
}

// RecordUsage handles POST /usage.
func (h *UsageHandler) RecordUsage(c *gin.Context) {
	var req struct {
		AccountID           *uuid.UUID `json:"account_id"`
		AccountRole         string     `json:"account_role"`
		Feature             string     `json:"feature" binding:"required"`
		ModelKey            string     `json:"model_key" binding:"required"`
		Provider            string     `json:"provider" binding:"required"`
		InputUnits          int64      `json:"input_units"`
		OutputUnits         int64      `json:"output_units"`
		PerRun              bool       `json:"per_run"`
		EstimatedCostMicros int64      `json:"estimated_cost_micros"`
		LatencyMs           int        `json:"latency_ms"`
		Success             bool       `json:"success"`
		ErrorText           string     `json:"error_text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apperrors.BadRequest(err.Error()).ToResponse())
		return
	}
	if req.InputUnits < 0 || req.OutputUnits < 0 {
		c.JSON(http.StatusUnprocessableEntity, apperrors.ValidationError("units must not be negative").ToResponse())
		return
	}

	id := h.recorder.Record(c.Request.Context(), inbound.RecordUsageInput{
		AccountID:           req.AccountID,
		AccountRole:         model.AccountRole(req.AccountRole),
		Feature:             req.Feature,
		ModelKey:            req.ModelKey,
		Provider:            req.Provider,
		InputUnits:          req.InputUnits,
		OutputUnits:         req.OutputUnits,
		PerRun:              req.PerRun,
		EstimatedCostMicros: req.EstimatedCostMicros,
		LatencyMs:           req.LatencyMs,
		Success:             req.Success,
		ErrorText:           req.ErrorText,
	})
	if id == 0 {
		c.JSON(http.StatusInternalServerError, apperrors.Internal("usage event not recorded", nil).ToResponse())
		return
	}

	c.JSON(http.StatusCreated, gin.H{"usage_event_id": id})
}

// GetUsageStats handles GET /accounts/:id/usage.
func (h *UsageHandler) GetUsageStats(c *gin.Context) {
	accountID, ok := parseAccountID(c)
	if !ok {
		return
	}

	// Default window: the current calendar month.
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	if s := c.Query("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, apperrors.BadRequest("invalid start time").ToResponse())
			return
		}
		start = t
	}
	if e := c.Query("end"); e != "" {
		t, err := time.Parse(time.RFC3339, e)
		if err != nil {
			c.JSON(http.StatusBadRequest, apperrors.BadRequest("invalid end time").ToResponse())
			return
		}
		end = t
	}

	stats, err := h.stats.GetStats(c.Request.Context(), accountID, start, end)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}
