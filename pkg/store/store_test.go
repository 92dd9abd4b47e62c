package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/positronic-core/positronic/pkg/models"
	"github.com/positronic-core/positronic/pkg/store"
)

func newRun(id, title string) *models.Run {
	return &models.Run{
		BrainRunID: id,
		BrainTitle: title,
		Status:     models.StatusPending,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
		State:      json.RawMessage(`{}`),
	}
}

// exerciseStore runs the contract suite shared by both implementations.
func exerciseStore(t *testing.T, s store.Store) {
	ctx := context.Background()

	t.Run("run lifecycle", func(t *testing.T) {
		run := newRun("run-1", "daily-report")
		require.NoError(t, s.CreateRun(ctx, run))

		err := s.CreateRun(ctx, run)
		assert.ErrorIs(t, err, store.ErrConflict)

		got, err := s.GetRun(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "daily-report", got.BrainTitle)
		assert.Equal(t, models.StatusPending, got.Status)

		_, err = s.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("append event updates projection atomically", func(t *testing.T) {
		run := newRun("run-2", "daily-report")
		require.NoError(t, s.CreateRun(ctx, run))

		now := time.Now().UTC().Truncate(time.Microsecond)
		run.Status = models.StatusRunning
		run.StartedAt = &now
		run.StepStatuses = []models.StepSnapshot{{Index: 0, Title: "prepare", Status: models.StepRunning}}
		event := &models.Event{
			Seq:        1,
			Timestamp:  now,
			BrainRunID: "run-2",
			Type:       models.EventStart,
			BrainTitle: "daily-report",
		}
		require.NoError(t, s.AppendEvent(ctx, event, run))

		got, err := s.GetRun(ctx, "run-2")
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, got.Status)
		require.NotNil(t, got.StartedAt)
		require.Len(t, got.StepStatuses, 1)
		assert.Equal(t, models.StepRunning, got.StepStatuses[0].Status)

		err = s.AppendEvent(ctx, event, run)
		assert.ErrorIs(t, err, store.ErrConflict, "duplicate seq must be rejected")

		seq, err := s.LastSeq(ctx, "run-2")
		require.NoError(t, err)
		assert.Equal(t, int64(1), seq)
	})

	t.Run("events since", func(t *testing.T) {
		run := newRun("run-3", "daily-report")
		require.NoError(t, s.CreateRun(ctx, run))

		for i := int64(1); i <= 3; i++ {
			event := &models.Event{
				Seq:        i,
				Timestamp:  time.Now().UTC().Truncate(time.Microsecond),
				BrainRunID: "run-3",
				Type:       models.EventStepStatus,
			}
			require.NoError(t, s.AppendEvent(ctx, event, run))
		}

		all, err := s.Events(ctx, "run-3", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, int64(1), all[0].Seq)

		tail, err := s.Events(ctx, "run-3", 2)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, int64(3), tail[0].Seq)
	})

	t.Run("waiters", func(t *testing.T) {
		run := newRun("run-4", "approval-flow")
		require.NoError(t, s.CreateRun(ctx, run))

		now := time.Now().UTC().Truncate(time.Microsecond)
		waiters := []models.Waiter{
			{BrainRunID: "run-4", Slug: "approval", Identifier: "req-1", ExpectedToken: "tok-1", CreatedAt: now},
			{BrainRunID: "run-4", Slug: "approval", Identifier: "req-2", ExpectedToken: "tok-2", CreatedAt: now},
		}
		require.NoError(t, s.PutWaiters(ctx, waiters))

		err := s.PutWaiters(ctx, waiters[:1])
		assert.ErrorIs(t, err, store.ErrConflict)

		w, err := s.FindWaiter(ctx, "approval", "req-1")
		require.NoError(t, err)
		assert.Equal(t, "run-4", w.BrainRunID)
		assert.Equal(t, "tok-1", w.ExpectedToken)

		listed, err := s.RunWaiters(ctx, "run-4")
		require.NoError(t, err)
		assert.Len(t, listed, 2)

		require.NoError(t, s.DeleteWaiter(ctx, "approval", "req-1"))
		_, err = s.FindWaiter(ctx, "approval", "req-1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		// A second delete reports the waiter gone, so racing claimants
		// can tell who won.
		err = s.DeleteWaiter(ctx, "approval", "req-1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.DeleteRunWaiters(ctx, "run-4"))
		listed, err = s.RunWaiters(ctx, "run-4")
		require.NoError(t, err)
		assert.Empty(t, listed)
	})

	t.Run("list runs with filter", func(t *testing.T) {
		base := time.Now().UTC().Truncate(time.Microsecond)
		for i, status := range []models.RunStatus{models.StatusComplete, models.StatusRunning, models.StatusComplete} {
			run := newRun("filter-"+string(rune('a'+i)), "filterable")
			run.Status = status
			run.CreatedAt = base.Add(time.Duration(i) * time.Second)
			require.NoError(t, s.CreateRun(ctx, run))
		}

		complete, err := s.ListRuns(ctx, store.RunFilter{
			BrainTitle: "filterable",
			Statuses:   []models.RunStatus{models.StatusComplete},
		})
		require.NoError(t, err)
		require.Len(t, complete, 2)
		assert.True(t, complete[0].CreatedAt.After(complete[1].CreatedAt), "newest first")

		limited, err := s.ListRuns(ctx, store.RunFilter{BrainTitle: "filterable", Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("schedules", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Microsecond)
		schedule := &models.Schedule{
			ID:         "sched-1",
			BrainTitle: "daily-report",
			Cron:       "0 9 * * *",
			Enabled:    true,
			CreatedAt:  now,
			NextRunAt:  now.Add(time.Hour),
		}
		require.NoError(t, s.CreateSchedule(ctx, schedule))
		assert.ErrorIs(t, s.CreateSchedule(ctx, schedule), store.ErrConflict)

		got, err := s.GetSchedule(ctx, "sched-1")
		require.NoError(t, err)
		assert.Equal(t, "0 9 * * *", got.Cron)

		next := now.Add(25 * time.Hour)
		require.NoError(t, s.UpdateScheduleNextRun(ctx, "sched-1", next))
		got, err = s.GetSchedule(ctx, "sched-1")
		require.NoError(t, err)
		assert.WithinDuration(t, next, got.NextRunAt, time.Millisecond)

		listed, err := s.ListSchedules(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, listed)

		require.NoError(t, s.DeleteSchedule(ctx, "sched-1"))
		_, err = s.GetSchedule(ctx, "sched-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("scheduled runs", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Microsecond)
		schedule := &models.Schedule{
			ID: "sched-2", BrainTitle: "daily-report", Cron: "* * * * *",
			Enabled: true, CreatedAt: now, NextRunAt: now,
		}
		require.NoError(t, s.CreateSchedule(ctx, schedule))

		brainRunID := "run-sched"
		require.NoError(t, s.CreateRun(ctx, newRun(brainRunID, "daily-report")))
		sr := &models.ScheduledRun{
			ID: "fire-1", ScheduleID: "sched-2", BrainRunID: &brainRunID,
			Status: models.ScheduledRunTriggered, RanAt: now,
		}
		require.NoError(t, s.CreateScheduledRun(ctx, sr))

		open, err := s.OpenScheduledRuns(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "fire-1", open[0].ID)

		found, err := s.FindScheduledRunByBrainRun(ctx, brainRunID)
		require.NoError(t, err)
		assert.Equal(t, "fire-1", found.ID)

		require.NoError(t, s.FinishScheduledRun(ctx, "fire-1", models.ScheduledRunComplete, now.Add(time.Minute), ""))
		open, err = s.OpenScheduledRuns(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)

		history, err := s.ListScheduledRuns(ctx, "sched-2", 10)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, models.ScheduledRunComplete, history[0].Status)
		require.NotNil(t, history[0].CompletedAt)
	})

	t.Run("alarm", func(t *testing.T) {
		_, ok, err := s.Alarm(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		fireAt := time.Now().UTC().Add(time.Minute).Truncate(time.Microsecond)
		require.NoError(t, s.SetAlarm(ctx, fireAt))

		got, ok, err := s.Alarm(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.WithinDuration(t, fireAt, got, time.Millisecond)

		rearmed := fireAt.Add(time.Minute)
		require.NoError(t, s.SetAlarm(ctx, rearmed))
		got, ok, err = s.Alarm(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.WithinDuration(t, rearmed, got, time.Millisecond)
	})

	t.Run("prune terminal runs", func(t *testing.T) {
		old := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Microsecond)
		recent := time.Now().UTC().Truncate(time.Microsecond)

		done := newRun("prune-old", "p")
		done.Status = models.StatusComplete
		done.CompletedAt = &old
		require.NoError(t, s.CreateRun(ctx, done))

		fresh := newRun("prune-fresh", "p")
		fresh.Status = models.StatusComplete
		fresh.CompletedAt = &recent
		require.NoError(t, s.CreateRun(ctx, fresh))

		active := newRun("prune-active", "p")
		active.Status = models.StatusRunning
		require.NoError(t, s.CreateRun(ctx, active))

		n, err := s.PruneTerminalRuns(ctx, time.Now().UTC().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.GetRun(ctx, "prune-old")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetRun(ctx, "prune-fresh")
		assert.NoError(t, err)
		_, err = s.GetRun(ctx, "prune-active")
		assert.NoError(t, err)
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, store.NewMemory())
}
