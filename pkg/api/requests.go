package api

import (
	"encoding/json"

	"github.com/positronic-core/positronic/pkg/models"
)

// CreateRunRequest is the HTTP request body for POST /api/v1/brains/runs.
// Identifier and BrainTitle are interchangeable; one is required.
type CreateRunRequest struct {
	Identifier string          `json:"identifier,omitempty"`
	BrainTitle string          `json:"brainTitle,omitempty"`
	Options    json.RawMessage `json:"options,omitempty"`
}

// SignalRequest is the body for POST /api/v1/brains/runs/:id/signals.
type SignalRequest struct {
	Type    models.SignalType `json:"type"`
	Content string            `json:"content,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// CreateScheduleRequest is the body for POST /api/v1/schedules.
type CreateScheduleRequest struct {
	BrainTitle string `json:"brainTitle"`
	Cron       string `json:"cron"`
	Enabled    *bool  `json:"enabled,omitempty"`
}
