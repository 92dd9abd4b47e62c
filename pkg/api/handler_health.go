package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/positronic-core/positronic/pkg/database"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health. Only the database is checked; a
// server running on the in-memory store reports healthy without one.
func (s *Server) healthHandler(c *echo.Context) error {
	if s.db == nil {
		return c.JSON(http.StatusOK, HealthResponse{Status: healthStatusHealthy})
	}

	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(reqCtx, s.db.DB())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{
			Status:   healthStatusUnhealthy,
			Database: dbHealth,
			Error:    err.Error(),
		})
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:   healthStatusHealthy,
		Database: dbHealth,
	})
}
