package models

import "time"

// Schedule is a cron-driven trigger for a brain.
type Schedule struct {
	ID         string    `json:"id"`
	BrainTitle string    `json:"brainTitle"`
	Cron       string    `json:"cron"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"createdAt"`
	NextRunAt  time.Time `json:"nextRunAt"`
}

// ScheduledRunStatus tracks the outcome of one schedule firing.
type ScheduledRunStatus string

// Scheduled run status values.
const (
	ScheduledRunTriggered ScheduledRunStatus = "triggered"
	ScheduledRunComplete  ScheduledRunStatus = "complete"
	ScheduledRunError     ScheduledRunStatus = "error"
)

// ScheduledRun records a single firing of a schedule and, once the
// triggered brain run terminates, its outcome.
type ScheduledRun struct {
	ID          string             `json:"id"`
	ScheduleID  string             `json:"scheduleId"`
	BrainRunID  *string            `json:"brainRunId,omitempty"`
	Status      ScheduledRunStatus `json:"status"`
	RanAt       time.Time          `json:"ranAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	Error       string             `json:"error,omitempty"`
}
