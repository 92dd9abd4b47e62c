package models

import "time"

// Waiter marks a run as awaiting a specific webhook delivery. At most
// one waiter exists per (slug, identifier); the first matching delivery
// that passes the token check consumes it.
type Waiter struct {
	BrainRunID    string    `json:"brainRunId"`
	Slug          string    `json:"slug"`
	Identifier    string    `json:"identifier"`
	ExpectedToken string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
}
