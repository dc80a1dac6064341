package meteringhttp

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tallyhq/metering/internal/domain/ledger"
	"github.com/tallyhq/metering/internal/domain/limits"
	apperrors "github.com/tallyhq/metering/internal/shared/errors"
)

// parseAccountID reads the :id path parameter, writing a 400 on failure.
func parseAccountID(c *gin.Context) (uuid.UUID, bool) {
	accountID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apperrors.BadRequest("invalid account id").ToResponse())
		return uuid.Nil, false
	}
	return accountID, true
}

// handleError maps domain errors to HTTP responses.
func handleError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.StatusCode, appErr.ToResponse())
		return
	}

	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidEntryType),
		errors.Is(err, limits.ErrInvalidThreshold):
		c.JSON(http.StatusUnprocessableEntity, apperrors.ValidationError(err.Error()).ToResponse())
	default:
		c.JSON(http.StatusInternalServerError, apperrors.Internal("internal error", err).ToResponse())
	}
}
