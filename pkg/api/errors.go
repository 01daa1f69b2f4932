package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nightwatch-obs/nightwatch/pkg/database"
)

// mapStoreError maps storage-layer errors to HTTP error responses.
func mapStoreError(err error) *echo.HTTPError {
	if errors.Is(err, database.ErrNoState) {
		return echo.NewHTTPError(http.StatusNotFound, "no state has been persisted yet")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return echo.NewHTTPError(http.StatusGatewayTimeout, "storage operation timed out")
	}

	// Unexpected error
	slog.Error("Unexpected storage error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
