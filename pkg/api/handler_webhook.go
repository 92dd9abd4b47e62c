package api

import (
	"encoding/json"
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/positronic-core/positronic/pkg/webhook"
)

// webhookHandler handles POST /webhooks/:slug. The waiter identifier
// comes from the identifier query parameter or the payload body.
func (s *Server) webhookHandler(c *echo.Context) error {
	slug := c.Param("slug")
	if slug == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "webhook slug is required")
	}

	payload := map[string]any{}
	if err := json.NewDecoder(c.Request().Body).Decode(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	identifier := c.QueryParam("identifier")
	if identifier == "" {
		identifier, _ = payload["identifier"].(string)
	}

	resp := s.webhooks.Deliver(c.Request().Context(), slug, identifier, payload)
	return c.JSON(resp.Status, resp)
}

// uiFormHandler handles POST /webhooks/system/ui-form: generated pages
// submit their forms here with the identifier in the body.
func (s *Server) uiFormHandler(c *echo.Context) error {
	if err := c.Request().ParseForm(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid form body")
	}

	resp, err := s.webhooks.DeliverForm(c.Request().Context(), c.Request().PostForm)
	if errors.Is(err, webhook.ErrMissingIdentifier) {
		return echo.NewHTTPError(http.StatusBadRequest, "identifier is required")
	}
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(resp.Status, resp)
}
