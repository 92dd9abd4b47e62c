package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/positronic-core/positronic/pkg/models"
)

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu            sync.RWMutex
	runs          map[string]*models.Run
	events        map[string][]*models.Event
	waiters       map[string]models.Waiter // key slug + "\x00" + identifier
	schedules     map[string]*models.Schedule
	scheduledRuns map[string]*models.ScheduledRun
	alarm         *time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:          make(map[string]*models.Run),
		events:        make(map[string][]*models.Event),
		waiters:       make(map[string]models.Waiter),
		schedules:     make(map[string]*models.Schedule),
		scheduledRuns: make(map[string]*models.ScheduledRun),
	}
}

func waiterKey(slug, identifier string) string {
	return slug + "\x00" + identifier
}

func cloneRun(run *models.Run) *models.Run {
	clone := *run
	clone.StepStatuses = append([]models.StepSnapshot(nil), run.StepStatuses...)
	return &clone
}

func (m *Memory) CreateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.BrainRunID]; exists {
		return fmt.Errorf("%w: run %q", ErrConflict, run.BrainRunID)
	}
	m.runs[run.BrainRunID] = cloneRun(run)
	return nil
}

func (m *Memory) GetRun(_ context.Context, brainRunID string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[brainRunID]
	if !ok {
		return nil, fmt.Errorf("%w: run %q", ErrNotFound, brainRunID)
	}
	return cloneRun(run), nil
}

func (m *Memory) ListRuns(_ context.Context, filter RunFilter) ([]*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*models.Run
	for _, run := range m.runs {
		if filter.BrainTitle != "" && run.BrainTitle != filter.BrainTitle {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, run.Status) {
			continue
		}
		matched = append(matched, cloneRun(run))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func containsStatus(statuses []models.RunStatus, status models.RunStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (m *Memory) AppendEvent(_ context.Context, event *models.Event, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[event.BrainRunID]; !ok {
		return fmt.Errorf("%w: run %q", ErrNotFound, event.BrainRunID)
	}
	journal := m.events[event.BrainRunID]
	if len(journal) > 0 && journal[len(journal)-1].Seq >= event.Seq {
		return fmt.Errorf("%w: run %q seq %d", ErrConflict, event.BrainRunID, event.Seq)
	}
	clone := *event
	m.events[event.BrainRunID] = append(journal, &clone)
	m.runs[run.BrainRunID] = cloneRun(run)
	return nil
}

func (m *Memory) Events(_ context.Context, brainRunID string, sinceSeq int64) ([]*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Event
	for _, ev := range m.events[brainRunID] {
		if ev.Seq > sinceSeq {
			clone := *ev
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *Memory) LastSeq(_ context.Context, brainRunID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	journal := m.events[brainRunID]
	if len(journal) == 0 {
		return 0, nil
	}
	return journal[len(journal)-1].Seq, nil
}

func (m *Memory) PutWaiters(_ context.Context, waiters []models.Waiter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range waiters {
		if _, exists := m.waiters[waiterKey(w.Slug, w.Identifier)]; exists {
			return fmt.Errorf("%w: waiter %s/%s", ErrConflict, w.Slug, w.Identifier)
		}
	}
	for _, w := range waiters {
		m.waiters[waiterKey(w.Slug, w.Identifier)] = w
	}
	return nil
}

func (m *Memory) FindWaiter(_ context.Context, slug, identifier string) (*models.Waiter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.waiters[waiterKey(slug, identifier)]
	if !ok {
		return nil, fmt.Errorf("%w: waiter %s/%s", ErrNotFound, slug, identifier)
	}
	clone := w
	return &clone, nil
}

func (m *Memory) DeleteWaiter(_ context.Context, slug, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := waiterKey(slug, identifier)
	if _, ok := m.waiters[key]; !ok {
		return fmt.Errorf("%w: waiter %s/%s", ErrNotFound, slug, identifier)
	}
	delete(m.waiters, key)
	return nil
}

func (m *Memory) DeleteRunWaiters(_ context.Context, brainRunID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, w := range m.waiters {
		if w.BrainRunID == brainRunID {
			delete(m.waiters, key)
		}
	}
	return nil
}

func (m *Memory) RunWaiters(_ context.Context, brainRunID string) ([]models.Waiter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Waiter
	for _, w := range m.waiters {
		if w.BrainRunID == brainRunID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slug != out[j].Slug {
			return out[i].Slug < out[j].Slug
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out, nil
}

func (m *Memory) CreateSchedule(_ context.Context, schedule *models.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedules[schedule.ID]; exists {
		return fmt.Errorf("%w: schedule %q", ErrConflict, schedule.ID)
	}
	clone := *schedule
	m.schedules[schedule.ID] = &clone
	return nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (*models.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: schedule %q", ErrNotFound, id)
	}
	clone := *s
	return &clone, nil
}

func (m *Memory) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return fmt.Errorf("%w: schedule %q", ErrNotFound, id)
	}
	delete(m.schedules, id)
	for srID, sr := range m.scheduledRuns {
		if sr.ScheduleID == id {
			delete(m.scheduledRuns, srID)
		}
	}
	return nil
}

func (m *Memory) ListSchedules(_ context.Context) ([]*models.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		clone := *s
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateScheduleNextRun(_ context.Context, id string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("%w: schedule %q", ErrNotFound, id)
	}
	s.NextRunAt = next
	return nil
}

func (m *Memory) CreateScheduledRun(_ context.Context, sr *models.ScheduledRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.scheduledRuns[sr.ID]; exists {
		return fmt.Errorf("%w: scheduled run %q", ErrConflict, sr.ID)
	}
	clone := *sr
	m.scheduledRuns[sr.ID] = &clone
	return nil
}

func (m *Memory) FinishScheduledRun(_ context.Context, id string, status models.ScheduledRunStatus, completedAt time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sr, ok := m.scheduledRuns[id]
	if !ok {
		return fmt.Errorf("%w: scheduled run %q", ErrNotFound, id)
	}
	sr.Status = status
	sr.CompletedAt = &completedAt
	sr.Error = errMsg
	return nil
}

func (m *Memory) ListScheduledRuns(_ context.Context, scheduleID string, limit int) ([]*models.ScheduledRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ScheduledRun
	for _, sr := range m.scheduledRuns {
		if sr.ScheduleID == scheduleID {
			clone := *sr
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RanAt.After(out[j].RanAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) OpenScheduledRuns(_ context.Context) ([]*models.ScheduledRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ScheduledRun
	for _, sr := range m.scheduledRuns {
		if sr.Status == models.ScheduledRunTriggered {
			clone := *sr
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RanAt.Before(out[j].RanAt) })
	return out, nil
}

func (m *Memory) FindScheduledRunByBrainRun(_ context.Context, brainRunID string) (*models.ScheduledRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sr := range m.scheduledRuns {
		if sr.BrainRunID != nil && *sr.BrainRunID == brainRunID {
			clone := *sr
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("%w: scheduled run for %q", ErrNotFound, brainRunID)
}

func (m *Memory) Alarm(_ context.Context) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.alarm == nil {
		return time.Time{}, false, nil
	}
	return *m.alarm, true, nil
}

func (m *Memory) SetAlarm(_ context.Context, fireAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alarm = &fireAt
	return nil
}

func (m *Memory) PruneTerminalRuns(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned int64
	for id, run := range m.runs {
		if !run.Status.Terminal() {
			continue
		}
		if run.CompletedAt == nil || !run.CompletedAt.Before(before) {
			continue
		}
		delete(m.runs, id)
		delete(m.events, id)
		pruned++
	}
	return pruned, nil
}
