package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/positronic-core/positronic/pkg/models"
	"github.com/positronic-core/positronic/pkg/store"
)

// listBrainsHandler handles GET /api/v1/brains. An optional q parameter
// searches titles and descriptions.
func (s *Server) listBrainsHandler(c *echo.Context) error {
	if q := c.QueryParam("q"); q != "" {
		return c.JSON(http.StatusOK, s.registry.Search(q))
	}
	return c.JSON(http.StatusOK, s.registry.List())
}

// brainHistoryHandler handles GET /api/v1/brains/:title/history.
func (s *Server) brainHistoryHandler(c *echo.Context) error {
	title := c.Param("title")
	if title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "brain title is required")
	}
	if _, err := s.registry.Resolve(title); err != nil {
		return mapServiceError(err)
	}

	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be 1-500")
		}
		limit = n
	}

	history, err := s.monitor.History(c.Request().Context(), store.RunFilter{
		BrainTitle: title,
		Limit:      limit,
	})
	if err != nil {
		return mapServiceError(err)
	}
	if history == nil {
		history = []models.RunSummary{}
	}
	return c.JSON(http.StatusOK, history)
}
