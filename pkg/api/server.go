// Package api exposes the HTTP control surface: run creation and
// signalling, run history and event replay, schedules, webhook intake,
// the running-set SSE watch stream, and the WebSocket live channels.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/positronic-core/positronic/pkg/brain"
	"github.com/positronic-core/positronic/pkg/database"
	"github.com/positronic-core/positronic/pkg/models"
	"github.com/positronic-core/positronic/pkg/monitor"
	"github.com/positronic-core/positronic/pkg/pages"
	"github.com/positronic-core/positronic/pkg/runner"
	"github.com/positronic-core/positronic/pkg/scheduler"
	"github.com/positronic-core/positronic/pkg/stream"
	"github.com/positronic-core/positronic/pkg/webhook"
)

// Runs is the slice of the runner manager the API needs.
type Runs interface {
	Start(ctx context.Context, brainTitle string, opts runner.StartOptions) (string, error)
	Signal(ctx context.Context, brainRunID string, sig models.Signal) error
	Kill(ctx context.Context, brainRunID string) error
}

// Config wires the server's collaborators. DB and Stream are optional;
// the matching endpoints degrade when they are absent.
type Config struct {
	Registry  brain.Manifest
	Monitor   *monitor.Monitor
	Runs      Runs
	Scheduler *scheduler.Scheduler
	Webhooks  *webhook.Router
	Stream    *stream.Manager
	Pages     pages.Service
	DB        *database.Client
	Logger    *slog.Logger
}

// Server is the HTTP control API.
type Server struct {
	registry  brain.Manifest
	monitor   *monitor.Monitor
	runs      Runs
	scheduler *scheduler.Scheduler
	webhooks  *webhook.Router
	stream    *stream.Manager
	pages     pages.Service
	db        *database.Client
	logger    *slog.Logger

	echo *echo.Echo
	http *http.Server
}

// NewServer builds the server and registers all routes.
func NewServer(cfg Config) *Server {
	s := &Server{
		registry:  cfg.Registry,
		monitor:   cfg.Monitor,
		runs:      cfg.Runs,
		scheduler: cfg.Scheduler,
		webhooks:  cfg.Webhooks,
		stream:    cfg.Stream,
		pages:     cfg.Pages,
		db:        cfg.DB,
		logger:    cfg.Logger.With("component", "api"),
	}

	e := echo.New()
	e.Use(securityHeaders())

	v1 := e.Group("/api/v1")
	v1.GET("/brains", s.listBrainsHandler)
	v1.GET("/brains/watch", s.watchBrainsHandler)
	v1.GET("/brains/:title/history", s.brainHistoryHandler)
	v1.POST("/brains/runs", s.createRunHandler)
	v1.GET("/brains/runs/:id", s.getRunHandler)
	v1.DELETE("/brains/runs/:id", s.killRunHandler)
	v1.POST("/brains/runs/:id/signals", s.signalRunHandler)
	v1.GET("/brains/runs/:id/events", s.runEventsHandler)

	v1.GET("/schedules", s.listSchedulesHandler)
	v1.POST("/schedules", s.createScheduleHandler)
	v1.DELETE("/schedules/:id", s.deleteScheduleHandler)
	v1.GET("/schedules/runs", s.listScheduledRunsHandler)

	// The ui-form route is static and must be registered alongside the
	// parameterised slug route; echo prefers the static match.
	e.POST("/webhooks/system/ui-form", s.uiFormHandler)
	e.POST("/webhooks/:slug", s.webhookHandler)

	e.GET("/pages/:id", s.pageHandler)
	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	s.echo = e
	return s
}

// Handler returns the root HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("control api listening", "addr", addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
