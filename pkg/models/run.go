// Package models defines the shared data structures for brain runs,
// events, signals, schedules, and webhook waiters.
package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the externally visible status of a brain run.
type RunStatus string

// Run status values. The internal agentLoop machine state projects to
// StatusRunning and never appears here.
const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusWaiting   RunStatus = "waiting"
	StatusComplete  RunStatus = "complete"
	StatusError     RunStatus = "error"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// StepStatus is the per-block execution status used in the run projection.
type StepStatus string

// Step status values.
const (
	StepPending  StepStatus = "pending"
	StepRunning  StepStatus = "running"
	StepComplete StepStatus = "complete"
	StepErrored  StepStatus = "error"
)

// StepSnapshot is one entry of the run's step_statuses projection.
type StepSnapshot struct {
	Index  int        `json:"index"`
	Title  string     `json:"title"`
	Status StepStatus `json:"status"`
}

// Run is the authoritative record of a single brain execution.
type Run struct {
	BrainRunID       string           `json:"brainRunId"`
	BrainTitle       string           `json:"brainTitle"`
	BrainDescription string           `json:"brainDescription,omitempty"`
	Status           RunStatus        `json:"status"`
	Options          json.RawMessage  `json:"options,omitempty"`
	Error            *SerializedError `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	StartedAt        *time.Time       `json:"startedAt,omitempty"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
	CurrentStepIndex int              `json:"currentStepIndex"`
	StepStatuses     []StepSnapshot   `json:"stepStatuses,omitempty"`
	State            json.RawMessage  `json:"state,omitempty"`
}

// RunSummary is the compact run shape used by history listings and the
// running-set watch stream.
type RunSummary struct {
	BrainRunID  string     `json:"brainRunId"`
	BrainTitle  string     `json:"brainTitle"`
	Status      RunStatus  `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Summary projects a Run to its RunSummary.
func (r *Run) Summary() RunSummary {
	return RunSummary{
		BrainRunID:  r.BrainRunID,
		BrainTitle:  r.BrainTitle,
		Status:      r.Status,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}
