// Package scheduler fires cron-driven brain runs. Schedules, their
// firing history, and the wake-up alarm are store-backed, so a process
// restart never loses a due trigger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/positronic-core/positronic/pkg/brain"
	"github.com/positronic-core/positronic/pkg/models"
	"github.com/positronic-core/positronic/pkg/monitor"
	"github.com/positronic-core/positronic/pkg/runner"
	"github.com/positronic-core/positronic/pkg/store"
)

// TickInterval is the alarm period between scheduler sweeps.
const TickInterval = time.Minute

// Starter launches brain runs. Implemented by runner.Manager.
type Starter interface {
	Start(ctx context.Context, brainTitle string, opts runner.StartOptions) (string, error)
}

// Scheduler owns the cron schedules and the durable tick.
type Scheduler struct {
	store    store.Store
	runs     Starter
	registry brain.Manifest
	monitor  *monitor.Monitor
	logger   *slog.Logger
	parser   cron.Parser
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a scheduler. Five-field cron expressions only.
func New(st store.Store, runs Starter, registry brain.Manifest, mon *monitor.Monitor, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		runs:     runs,
		registry: registry,
		monitor:  mon,
		logger:   logger.With("component", "scheduler"),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: TickInterval,
	}
}

// ValidateCron checks a five-field cron expression.
func (s *Scheduler) ValidateCron(expr string) error {
	if _, err := s.parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Next computes the expression's next firing after from.
func (s *Scheduler) Next(expr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// CreateSchedule validates and persists a new schedule. The brain must
// be registered.
func (s *Scheduler) CreateSchedule(ctx context.Context, brainTitle, expr string, enabled bool) (*models.Schedule, error) {
	if _, err := s.registry.Resolve(brainTitle); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	next, err := s.Next(expr, now)
	if err != nil {
		return nil, err
	}
	schedule := &models.Schedule{
		ID:         uuid.NewString(),
		BrainTitle: brainTitle,
		Cron:       expr,
		Enabled:    enabled,
		CreatedAt:  now,
		NextRunAt:  next,
	}
	if err := s.store.CreateSchedule(ctx, schedule); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "schedule created",
		"schedule_id", schedule.ID, "brain_title", brainTitle, "cron", expr, "next_run_at", next)
	return schedule, nil
}

// DeleteSchedule removes a schedule and its firing history.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id string) error {
	return s.store.DeleteSchedule(ctx, id)
}

// ListSchedules returns all schedules.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// ListScheduledRuns returns a schedule's firings, newest first.
func (s *Scheduler) ListScheduledRuns(ctx context.Context, scheduleID string, limit int) ([]*models.ScheduledRun, error) {
	return s.store.ListScheduledRuns(ctx, scheduleID, limit)
}

// Start launches the tick loop and the completion watcher.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go s.loop(ctx)
	go s.watch(ctx)
}

// Stop halts both goroutines. The persisted alarm keeps the next boot
// on schedule.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// loop sleeps until the persisted alarm and sweeps. A boot without an
// armed alarm sweeps immediately.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		fireAt, ok, err := s.store.Alarm(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "alarm lookup failed", "error", err)
			fireAt, ok = time.Now().Add(s.interval), true
		}
		var delay time.Duration
		if ok {
			delay = time.Until(fireAt)
			if delay < 0 {
				delay = 0
			}
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.tick(ctx)
	}
}

// tick fires every due schedule. The alarm is re-armed unconditionally,
// whatever happens during the sweep.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	defer func() {
		if err := s.store.SetAlarm(ctx, now.Add(s.interval)); err != nil {
			s.logger.ErrorContext(ctx, "failed to re-arm alarm", "error", err)
		}
	}()

	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "schedule sweep failed", "error", err)
		return
	}
	for _, schedule := range schedules {
		if !schedule.Enabled || schedule.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, schedule, now)
		next, err := s.Next(schedule.Cron, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "stored cron no longer parses",
				"schedule_id", schedule.ID, "cron", schedule.Cron, "error", err)
			continue
		}
		if err := s.store.UpdateScheduleNextRun(ctx, schedule.ID, next); err != nil {
			s.logger.ErrorContext(ctx, "failed to advance schedule",
				"schedule_id", schedule.ID, "error", err)
		}
	}
}

// fire triggers one run for a due schedule and records the firing.
func (s *Scheduler) fire(ctx context.Context, schedule *models.Schedule, now time.Time) {
	sr := &models.ScheduledRun{
		ID:         uuid.NewString(),
		ScheduleID: schedule.ID,
		RanAt:      now,
	}
	brainRunID, err := s.runs.Start(ctx, schedule.BrainTitle, runner.StartOptions{})
	if err != nil {
		sr.Status = models.ScheduledRunError
		sr.Error = err.Error()
		s.logger.ErrorContext(ctx, "scheduled run failed to start",
			"schedule_id", schedule.ID, "brain_title", schedule.BrainTitle, "error", err)
	} else {
		sr.Status = models.ScheduledRunTriggered
		sr.BrainRunID = &brainRunID
		s.logger.InfoContext(ctx, "scheduled run triggered",
			"schedule_id", schedule.ID, "brain_run_id", brainRunID)
	}
	if err := s.store.CreateScheduledRun(ctx, sr); err != nil {
		s.logger.ErrorContext(ctx, "failed to record scheduled run",
			"schedule_id", schedule.ID, "error", err)
	}
}

// watch correlates terminal run summaries back to the firings that
// triggered them.
func (s *Scheduler) watch(ctx context.Context) {
	defer s.wg.Done()
	summaries, cancel := s.monitor.Bus().SubscribeRuns()
	defer cancel()
	// Firings whose runs went terminal while the process was down never
	// see a bus message; settle those from the store before tailing.
	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case summary := <-summaries:
			if !summary.Status.Terminal() {
				continue
			}
			s.settle(ctx, summary)
		}
	}
}

// reconcile settles open firings whose runs are already terminal.
func (s *Scheduler) reconcile(ctx context.Context) {
	open, err := s.store.OpenScheduledRuns(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "open firing sweep failed", "error", err)
		return
	}
	for _, sr := range open {
		if sr.BrainRunID == nil {
			continue
		}
		run, err := s.monitor.Run(ctx, *sr.BrainRunID)
		if errors.Is(err, store.ErrNotFound) {
			// The run record was pruned; the firing can never settle
			// through the bus.
			if err := s.store.FinishScheduledRun(ctx, sr.ID, models.ScheduledRunError, time.Now().UTC(), "run record missing"); err != nil {
				s.logger.ErrorContext(ctx, "failed to settle orphaned scheduled run",
					"scheduled_run_id", sr.ID, "error", err)
			}
			continue
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to load scheduled run's brain run",
				"scheduled_run_id", sr.ID, "brain_run_id", *sr.BrainRunID, "error", err)
			continue
		}
		if !run.Status.Terminal() {
			continue
		}
		s.settle(ctx, run.Summary())
	}
}

func (s *Scheduler) settle(ctx context.Context, summary models.RunSummary) {
	sr, err := s.store.FindScheduledRunByBrainRun(ctx, summary.BrainRunID)
	if err != nil {
		return
	}
	if sr.Status != models.ScheduledRunTriggered {
		return
	}
	status := models.ScheduledRunComplete
	errMsg := ""
	switch summary.Status {
	case models.StatusError:
		status = models.ScheduledRunError
		errMsg = "run failed"
	case models.StatusCancelled:
		status = models.ScheduledRunError
		errMsg = "run cancelled"
	}
	completedAt := time.Now().UTC()
	if summary.CompletedAt != nil {
		completedAt = *summary.CompletedAt
	}
	if err := s.store.FinishScheduledRun(ctx, sr.ID, status, completedAt, errMsg); err != nil {
		s.logger.ErrorContext(ctx, "failed to settle scheduled run",
			"scheduled_run_id", sr.ID, "error", err)
	}
}
