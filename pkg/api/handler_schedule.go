package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/positronic-core/positronic/pkg/models"
)

// listSchedulesHandler handles GET /api/v1/schedules.
func (s *Server) listSchedulesHandler(c *echo.Context) error {
	schedules, err := s.scheduler.ListSchedules(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	if schedules == nil {
		schedules = []*models.Schedule{}
	}
	return c.JSON(http.StatusOK, schedules)
}

// createScheduleHandler handles POST /api/v1/schedules.
func (s *Server) createScheduleHandler(c *echo.Context) error {
	var req CreateScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.BrainTitle == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "brainTitle is required")
	}
	if req.Cron == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "cron is required")
	}
	if err := s.scheduler.ValidateCron(req.Cron); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	schedule, err := s.scheduler.CreateSchedule(c.Request().Context(), req.BrainTitle, req.Cron, enabled)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, schedule)
}

// deleteScheduleHandler handles DELETE /api/v1/schedules/:id.
func (s *Server) deleteScheduleHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "schedule id is required")
	}
	if err := s.scheduler.DeleteSchedule(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// listScheduledRunsHandler handles GET /api/v1/schedules/runs.
func (s *Server) listScheduledRunsHandler(c *echo.Context) error {
	scheduleID := c.QueryParam("scheduleId")
	if scheduleID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "scheduleId is required")
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	var status models.ScheduledRunStatus
	if v := c.QueryParam("status"); v != "" {
		switch models.ScheduledRunStatus(v) {
		case models.ScheduledRunTriggered, models.ScheduledRunComplete, models.ScheduledRunError:
			status = models.ScheduledRunStatus(v)
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+v)
		}
	}

	firings, err := s.scheduler.ListScheduledRuns(c.Request().Context(), scheduleID, limit)
	if err != nil {
		return mapServiceError(err)
	}
	if status != "" {
		filtered := firings[:0]
		for _, sr := range firings {
			if sr.Status == status {
				filtered = append(filtered, sr)
			}
		}
		firings = filtered
	}
	if firings == nil {
		firings = []*models.ScheduledRun{}
	}
	return c.JSON(http.StatusOK, firings)
}
