package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/positronic-core/positronic/pkg/models"
	"github.com/positronic-core/positronic/pkg/runner"
)

// createRunHandler handles POST /api/v1/brains/runs.
func (s *Server) createRunHandler(c *echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	title := req.BrainTitle
	if title == "" {
		title = req.Identifier
	}
	if title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "brainTitle or identifier is required")
	}

	brainRunID, err := s.runs.Start(c.Request().Context(), title, runner.StartOptions{
		Options: req.Options,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, CreateRunResponse{BrainRunID: brainRunID})
}

// getRunHandler handles GET /api/v1/brains/runs/:id.
func (s *Server) getRunHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}
	run, err := s.monitor.Run(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// killRunHandler handles DELETE /api/v1/brains/runs/:id.
func (s *Server) killRunHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}
	if err := s.runs.Kill(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// signalRunHandler handles POST /api/v1/brains/runs/:id/signals.
func (s *Server) signalRunHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}
	var req SignalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !req.Type.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown signal type %q", req.Type))
	}

	err := s.runs.Signal(c.Request().Context(), id, models.Signal{
		Type:    req.Type,
		Content: req.Content,
		Payload: req.Payload,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, SignalAccepted{BrainRunID: id, Type: req.Type})
}

// runEventsHandler handles GET /api/v1/brains/runs/:id/events. The
// since parameter replays events with seq greater than it.
func (s *Server) runEventsHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}
	var since int64
	if v := c.QueryParam("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since: must be a non-negative sequence number")
		}
		since = n
	}

	ctx := c.Request().Context()
	if _, err := s.monitor.Run(ctx, id); err != nil {
		return mapServiceError(err)
	}
	events, err := s.monitor.Events(ctx, id, since)
	if err != nil {
		return mapServiceError(err)
	}
	if events == nil {
		events = []*models.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

// watchBrainsHandler handles GET /api/v1/brains/watch: an SSE stream
// carrying the full running set, re-emitted on every projection change.
func (s *Server) watchBrainsHandler(c *echo.Context) error {
	res := c.Response()
	res.Header().Set("Content-Type", "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	summaries, cancel := s.monitor.Bus().SubscribeRuns()
	defer cancel()

	ctx := c.Request().Context()
	if err := s.writeWatchFrame(c); err != nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-summaries:
			if err := s.writeWatchFrame(c); err != nil {
				return nil
			}
		}
	}
}

func (s *Server) writeWatchFrame(c *echo.Context) error {
	active, err := s.monitor.Active(c.Request().Context())
	if err != nil {
		return err
	}
	payload := WatchPayload{RunningBrains: make([]models.RunSummary, 0, len(active))}
	for _, run := range active {
		payload.RunningBrains = append(payload.RunningBrains, run.Summary())
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
		return err
	}
	return http.NewResponseController(c.Response()).Flush()
}
