// Package store persists runs, their event journals, webhook waiters,
// and schedules. The Postgres implementation is authoritative; the
// memory implementation backs unit tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/positronic-core/positronic/pkg/models"
)

// Sentinel errors.
var (
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrConflict reports a uniqueness violation: duplicate run id,
	// event sequence, or waiter key.
	ErrConflict = errors.New("record conflict")
)

// RunFilter narrows ListRuns.
type RunFilter struct {
	Statuses   []models.RunStatus
	BrainTitle string
	// Limit caps the result set; 0 means no cap. Runs are ordered by
	// creation time, newest first.
	Limit  int
	Offset int
}

// Store is the persistence surface the engine is built on.
type Store interface {
	// CreateRun inserts a new run record. ErrConflict on duplicate id.
	CreateRun(ctx context.Context, run *models.Run) error
	// GetRun fetches a run by id.
	GetRun(ctx context.Context, brainRunID string) (*models.Run, error)
	// ListRuns returns runs matching filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error)

	// AppendEvent atomically journals an event and stores the updated
	// run projection. ErrConflict when the event's sequence number is
	// already taken.
	AppendEvent(ctx context.Context, event *models.Event, run *models.Run) error
	// Events returns a run's journal with seq > sinceSeq, in order.
	// sinceSeq 0 returns the full journal.
	Events(ctx context.Context, brainRunID string, sinceSeq int64) ([]*models.Event, error)
	// LastSeq returns the highest sequence number journaled for the
	// run, 0 when the journal is empty.
	LastSeq(ctx context.Context, brainRunID string) (int64, error)

	// PutWaiters registers webhook waiters. ErrConflict when a
	// (slug, identifier) pair is already claimed.
	PutWaiters(ctx context.Context, waiters []models.Waiter) error
	// FindWaiter looks a waiter up by its webhook key.
	FindWaiter(ctx context.Context, slug, identifier string) (*models.Waiter, error)
	// DeleteWaiter removes a single waiter. ErrNotFound when no waiter
	// is registered for the key, so racing deliveries claim a waiter at
	// most once.
	DeleteWaiter(ctx context.Context, slug, identifier string) error
	// DeleteRunWaiters removes all of a run's waiters.
	DeleteRunWaiters(ctx context.Context, brainRunID string) error
	// RunWaiters lists a run's outstanding waiters.
	RunWaiters(ctx context.Context, brainRunID string) ([]models.Waiter, error)

	// CreateSchedule inserts a schedule.
	CreateSchedule(ctx context.Context, schedule *models.Schedule) error
	// GetSchedule fetches a schedule by id.
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	// DeleteSchedule removes a schedule and its firing history.
	DeleteSchedule(ctx context.Context, id string) error
	// ListSchedules returns all schedules ordered by creation time.
	ListSchedules(ctx context.Context) ([]*models.Schedule, error)
	// UpdateScheduleNextRun records the schedule's next firing time.
	UpdateScheduleNextRun(ctx context.Context, id string, next time.Time) error

	// CreateScheduledRun records one firing of a schedule.
	CreateScheduledRun(ctx context.Context, sr *models.ScheduledRun) error
	// FinishScheduledRun records the outcome of a firing.
	FinishScheduledRun(ctx context.Context, id string, status models.ScheduledRunStatus, completedAt time.Time, errMsg string) error
	// ListScheduledRuns returns a schedule's firings, newest first,
	// capped at limit (0 means no cap).
	ListScheduledRuns(ctx context.Context, scheduleID string, limit int) ([]*models.ScheduledRun, error)
	// OpenScheduledRuns returns all firings still in the triggered
	// state, across schedules.
	OpenScheduledRuns(ctx context.Context) ([]*models.ScheduledRun, error)
	// FindScheduledRunByBrainRun correlates a brain run back to the
	// firing that triggered it.
	FindScheduledRunByBrainRun(ctx context.Context, brainRunID string) (*models.ScheduledRun, error)

	// Alarm returns the scheduler's durable wake-up time. ok is false
	// when no alarm is armed.
	Alarm(ctx context.Context) (fireAt time.Time, ok bool, err error)
	// SetAlarm arms (or re-arms) the scheduler's wake-up time.
	SetAlarm(ctx context.Context, fireAt time.Time) error

	// PruneTerminalRuns deletes terminal runs (and, by cascade, their
	// journals) completed before the cutoff. Returns the number of
	// runs removed.
	PruneTerminalRuns(ctx context.Context, before time.Time) (int64, error)
}
