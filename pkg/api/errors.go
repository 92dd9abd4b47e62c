package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/positronic-core/positronic/pkg/brain"
	"github.com/positronic-core/positronic/pkg/lifecycle"
	"github.com/positronic-core/positronic/pkg/runner"
	"github.com/positronic-core/positronic/pkg/store"
)

// mapServiceError maps engine errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	if errors.Is(err, brain.ErrUnknownBrain) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown brain")
	}
	if errors.Is(err, runner.ErrRunNotFound) || errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, runner.ErrRunTerminal) {
		return echo.NewHTTPError(http.StatusConflict, "run already terminal")
	}
	if errors.Is(err, lifecycle.ErrTransitionDenied) {
		return echo.NewHTTPError(http.StatusConflict, "signal not admissible in current state")
	}
	if errors.Is(err, brain.ErrIRInvalid) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
