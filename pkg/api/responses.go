package api

import (
	"github.com/positronic-core/positronic/pkg/database"
	"github.com/positronic-core/positronic/pkg/models"
)

// CreateRunResponse is returned by POST /api/v1/brains/runs.
type CreateRunResponse struct {
	BrainRunID string `json:"brainRunId"`
}

// SignalAccepted is returned by POST /api/v1/brains/runs/:id/signals.
type SignalAccepted struct {
	BrainRunID string            `json:"brainRunId"`
	Type       models.SignalType `json:"type"`
}

// WatchPayload is one SSE frame of the running-set watch stream.
type WatchPayload struct {
	RunningBrains []models.RunSummary `json:"runningBrains"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Database *database.HealthStatus `json:"database,omitempty"`
	Error    string                 `json:"error,omitempty"`
}
