package meteringhttp

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tallyhq/metering/internal/model"
	"github.com/tallyhq/metering/internal/port/inbound"
	"github.com/tallyhq/metering/internal/port/outbound"
	apperrors "github.com/tallyhq/metering/internal/shared/errors"
)

// AdminHandler handles operator rate-table HTTP requests.
type AdminHandler struct {
	rates       outbound.RateConfigDatabasePort
	invalidator inbound.ConfigInvalidator
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(rates outbound.RateConfigDatabasePort, invalidator inbound.ConfigInvalidator) *AdminHandler {
	return &AdminHandler{rates: rates, invalidator: invalidator}
}

// RegisterRoutes registers admin routes.
func (h *AdminHandler) RegisterRoutes(r *gin.RouterGroup) {
	admin := r.Group("/admin")
	{
		admin.GET("/rates", h.ListRates)
		admin.PUT("/rates", h.UpsertRate)
		admin.POST("/rates/reload", h.Reload)
	}
}

// ListRates handles GET /admin/rates.
func (h *AdminHandler) ListRates(c *gin.Context) {
	rates, err := h.rates.ListActive(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rates": rates})
}

// UpsertRate handles PUT /admin/rates. New prices take effect after the
// snapshot cache refreshes or a reload is requested.
func (h *AdminHandler) UpsertRate(c *gin.Context) {
	var req struct {
		ModelKey            string  `json:"model_key" binding:"required"`
		InputUSDPerMillion  float64 `json:"input_usd_per_million"`
		OutputUSDPerMillion float64 `json:"output_usd_per_million"`
		FlatRunMicros       int64   `json:"flat_run_micros"`
		MarginPercent       float64 `json:"margin_percent"`
		Active              *bool   `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apperrors.BadRequest(err.Error()).ToResponse())
		return
	}
	if req.InputUSDPerMillion < 0 || req.OutputUSDPerMillion < 0 || req.FlatRunMicros < 0 || req.MarginPercent < 0 {
		c.JSON(http.StatusUnprocessableEntity, apperrors.ValidationError("prices must not be negative").ToResponse())
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	rate := &model.RateConfig{
		ModelKey:            req.ModelKey,
		InputUSDPerMillion:  req.InputUSDPerMillion,
		OutputUSDPerMillion: req.OutputUSDPerMillion,
		FlatRunMicros:       req.FlatRunMicros,
		MarginPercent:       req.MarginPercent,
		Active:              active,
	}
	if err := h.rates.Upsert(c.Request.Context(), rate); err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, rate)
}

// Reload handles POST /admin/rates/reload.
func (h *AdminHandler) Reload(c *gin.Context) {
	h.invalidator.Invalidate()
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}
