// Package monitor owns the append-only event log: sequence assignment,
// transition legality, the run projection, waiter registration, and
// fan-out to live subscribers. Every event a run emits passes through
// Append; nothing else writes to a run's journal.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/positronic-core/positronic/pkg/lifecycle"
	"github.com/positronic-core/positronic/pkg/models"
	"github.com/positronic-core/positronic/pkg/patch"
	"github.com/positronic-core/positronic/pkg/store"
)

// Monitor is the event log service.
type Monitor struct {
	store  store.Store
	logger *slog.Logger
	bus    *Bus

	mu      sync.Mutex
	cursors map[string]*cursor
}

// cursor tracks a run's journal head. Its mutex serializes appends for
// that run; the machine state is folded lazily from the journal on
// first touch after boot.
type cursor struct {
	mu     sync.Mutex
	loaded bool
	seq    int64
	state  lifecycle.State
}

// New builds a monitor over the given store.
func New(st store.Store, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:   st,
		logger:  logger.With("component", "monitor"),
		bus:     NewBus(),
		cursors: make(map[string]*cursor),
	}
}

// Bus exposes the live subscription surface.
func (m *Monitor) Bus() *Bus {
	return m.bus
}

// CreateRun persists a fresh pending run and initializes its cursor.
func (m *Monitor) CreateRun(ctx context.Context, run *models.Run) error {
	if run.Status == "" {
		run.Status = models.StatusPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return err
	}
	m.mu.Lock()
	m.cursors[run.BrainRunID] = &cursor{loaded: true, state: lifecycle.StateIdle}
	m.mu.Unlock()
	return nil
}

// Append journals one event: assigns the next sequence number, checks
// transition legality, updates the run projection (folding any state
// patch), persists both atomically, and fans the event out. The
// returned run is the post-append projection.
func (m *Monitor) Append(ctx context.Context, event *models.Event) (*models.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cur := m.cursor(event.BrainRunID)
	cur.mu.Lock()
	defer cur.mu.Unlock()

	if err := m.ensureLoaded(ctx, cur, event.BrainRunID); err != nil {
		return nil, err
	}

	next, err := lifecycle.Next(cur.state, event.Type)
	if err != nil {
		return nil, err
	}

	run, err := m.store.GetRun(ctx, event.BrainRunID)
	if err != nil {
		return nil, err
	}

	event.Seq = cur.seq + 1
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := project(run, event, next); err != nil {
		return nil, err
	}

	if err := m.store.AppendEvent(ctx, event, run); err != nil {
		return nil, err
	}
	cur.seq = event.Seq
	cur.state = next

	if err := m.applySideEffects(ctx, event); err != nil {
		// The event is already journaled; waiter bookkeeping failures
		// are logged, not rolled back.
		m.logger.ErrorContext(ctx, "event side effects failed",
			"brain_run_id", event.BrainRunID, "type", event.Type, "error", err)
	}

	m.logger.DebugContext(ctx, "event appended",
		"brain_run_id", event.BrainRunID, "type", event.Type, "seq", event.Seq)
	m.bus.publish(event, run.Summary())
	return run, nil
}

// Run returns the current run projection.
func (m *Monitor) Run(ctx context.Context, brainRunID string) (*models.Run, error) {
	return m.store.GetRun(ctx, brainRunID)
}

// History lists run summaries matching the filter, newest first.
func (m *Monitor) History(ctx context.Context, filter store.RunFilter) ([]models.RunSummary, error) {
	runs, err := m.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	summaries := make([]models.RunSummary, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, run.Summary())
	}
	return summaries, nil
}

// Active returns all runs that may still make progress.
func (m *Monitor) Active(ctx context.Context) ([]*models.Run, error) {
	return m.store.ListRuns(ctx, store.RunFilter{Statuses: []models.RunStatus{
		models.StatusPending, models.StatusRunning,
		models.StatusPaused, models.StatusWaiting,
	}})
}

// Events returns a run's journal with seq > sinceSeq.
func (m *Monitor) Events(ctx context.Context, brainRunID string, sinceSeq int64) ([]*models.Event, error) {
	return m.store.Events(ctx, brainRunID, sinceSeq)
}

// LastSeq returns the run's journal head sequence number, 0 for an
// empty journal.
func (m *Monitor) LastSeq(ctx context.Context, brainRunID string) (int64, error) {
	return m.store.LastSeq(ctx, brainRunID)
}

// MachineState returns the run's folded machine state.
func (m *Monitor) MachineState(ctx context.Context, brainRunID string) (lifecycle.State, error) {
	cur := m.cursor(brainRunID)
	cur.mu.Lock()
	defer cur.mu.Unlock()
	if err := m.ensureLoaded(ctx, cur, brainRunID); err != nil {
		return lifecycle.StateIdle, err
	}
	return cur.state, nil
}

// FindWaiter looks up the waiter registered for a webhook key.
func (m *Monitor) FindWaiter(ctx context.Context, slug, identifier string) (*models.Waiter, error) {
	return m.store.FindWaiter(ctx, slug, identifier)
}

// RunWaiters lists a run's outstanding webhook registrations.
func (m *Monitor) RunWaiters(ctx context.Context, brainRunID string) ([]models.Waiter, error) {
	return m.store.RunWaiters(ctx, brainRunID)
}

// ClaimWaiter removes the waiter registered for a webhook key so that
// of two racing deliveries exactly one owns it. store.ErrNotFound means
// the waiter is gone, claimed by an earlier delivery or never
// registered.
func (m *Monitor) ClaimWaiter(ctx context.Context, slug, identifier string) error {
	return m.store.DeleteWaiter(ctx, slug, identifier)
}

// RestoreWaiter re-registers a claimed waiter whose delivery the run
// rejected, so a later delivery can still resume it.
func (m *Monitor) RestoreWaiter(ctx context.Context, w models.Waiter) error {
	return m.store.PutWaiters(ctx, []models.Waiter{w})
}

// Sweep removes terminal runs completed before the cutoff.
func (m *Monitor) Sweep(ctx context.Context, before time.Time) (int64, error) {
	n, err := m.store.PruneTerminalRuns(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.InfoContext(ctx, "pruned terminal runs", "count", n, "before", before)
	}
	return n, nil
}

func (m *Monitor) cursor(brainRunID string) *cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.cursors[brainRunID]
	if !ok {
		cur = &cursor{}
		m.cursors[brainRunID] = cur
	}
	return cur
}

// ensureLoaded folds the persisted journal into the cursor. Called with
// cur.mu held.
func (m *Monitor) ensureLoaded(ctx context.Context, cur *cursor, brainRunID string) error {
	if cur.loaded {
		return nil
	}
	events, err := m.store.Events(ctx, brainRunID, 0)
	if err != nil {
		return fmt.Errorf("load journal for %q: %w", brainRunID, err)
	}
	state := lifecycle.StateIdle
	var seq int64
	for _, ev := range events {
		next, err := lifecycle.Next(state, ev.Type)
		if err != nil {
			return fmt.Errorf("journal for %q is inconsistent at seq %d: %w", brainRunID, ev.Seq, err)
		}
		state = next
		seq = ev.Seq
	}
	cur.state = state
	cur.seq = seq
	cur.loaded = true
	return nil
}

// applySideEffects maintains waiter rows that track the event log.
func (m *Monitor) applySideEffects(ctx context.Context, event *models.Event) error {
	switch event.Type {
	case models.EventWebhook, models.EventAgentWebhook:
		if len(event.WaitFor) == 0 {
			return nil
		}
		waiters := make([]models.Waiter, 0, len(event.WaitFor))
		for _, reg := range event.WaitFor {
			waiters = append(waiters, models.Waiter{
				BrainRunID:    event.BrainRunID,
				Slug:          reg.Slug,
				Identifier:    reg.Identifier,
				ExpectedToken: reg.Token,
				CreatedAt:     event.Timestamp,
			})
		}
		return m.store.PutWaiters(ctx, waiters)
	case models.EventWebhookResponse, models.EventComplete, models.EventError, models.EventCancelled:
		return m.store.DeleteRunWaiters(ctx, event.BrainRunID)
	}
	return nil
}

// project folds one event into the run projection.
func project(run *models.Run, event *models.Event, next lifecycle.State) error {
	run.Status = lifecycle.Project(next)
	ts := event.Timestamp

	switch event.Type {
	case models.EventStart:
		run.StartedAt = &ts
	case models.EventRestart:
		if run.StartedAt == nil {
			run.StartedAt = &ts
		}
	case models.EventStepStatus:
		if len(event.Steps) > 0 {
			run.StepStatuses = append([]models.StepSnapshot(nil), event.Steps...)
		}
	case models.EventStepStart:
		if event.StepIndex != nil {
			run.CurrentStepIndex = *event.StepIndex
			setStepStatus(run, *event.StepIndex, models.StepRunning)
		}
	case models.EventStepComplete, models.EventComplete:
		if len(event.Patch) > 0 {
			state, err := patch.Apply(run.State, event.Patch)
			if err != nil {
				return fmt.Errorf("apply state patch at seq %d: %w", event.Seq, err)
			}
			run.State = state
		}
		if event.Type == models.EventStepComplete && event.StepIndex != nil {
			setStepStatus(run, *event.StepIndex, models.StepComplete)
			run.CurrentStepIndex = *event.StepIndex + 1
		}
		if event.Type == models.EventComplete {
			run.CompletedAt = &ts
		}
	case models.EventError:
		run.Error = event.Error
		run.CompletedAt = &ts
		setStepStatus(run, run.CurrentStepIndex, models.StepErrored)
	case models.EventCancelled:
		run.CompletedAt = &ts
	}
	return nil
}

func setStepStatus(run *models.Run, index int, status models.StepStatus) {
	for i := range run.StepStatuses {
		if run.StepStatuses[i].Index == index {
			run.StepStatuses[i].Status = status
			return
		}
	}
}
