package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/positronic-core/positronic/pkg/pages"
)

// pageHandler handles GET /pages/:id, serving generated HTML pages.
func (s *Server) pageHandler(c *echo.Context) error {
	if s.pages == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "pages not available")
	}
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "page id is required")
	}

	html, err := s.pages.Get(c.Request().Context(), id)
	if errors.Is(err, pages.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "page not found")
	}
	if err != nil {
		return mapServiceError(err)
	}
	return c.HTML(http.StatusOK, html)
}
