package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/positronic-core/positronic/pkg/models"
)

// Postgres implements Store on a pooled database/sql connection.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an already-migrated connection pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

const runColumns = `brain_run_id, brain_title, brain_description, status, options, error,
	created_at, started_at, completed_at, current_step_index, step_statuses, state`

func (p *Postgres) CreateRun(ctx context.Context, run *models.Run) error {
	stepStatuses, err := marshalStepStatuses(run.StepStatuses)
	if err != nil {
		return err
	}
	errJSON, err := marshalNullable(run.Error)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.BrainRunID, run.BrainTitle, run.BrainDescription, run.Status,
		nullableJSON(run.Options), errJSON,
		run.CreatedAt, run.StartedAt, run.CompletedAt,
		run.CurrentStepIndex, stepStatuses, orEmptyObject(run.State),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: run %q", ErrConflict, run.BrainRunID)
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (p *Postgres) GetRun(ctx context.Context, brainRunID string) (*models.Run, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE brain_run_id = $1`, brainRunID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %q", ErrNotFound, brainRunID)
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}
	return run, nil
}

func (p *Postgres) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	var (
		conds []string
		args  []any
	)
	if filter.BrainTitle != "" {
		args = append(args, filter.BrainTitle)
		conds = append(conds, fmt.Sprintf("brain_title = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			args = append(args, string(s))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (p *Postgres) AppendEvent(ctx context.Context, event *models.Event, run *models.Run) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	stepStatuses, err := marshalStepStatuses(run.StepStatuses)
	if err != nil {
		return err
	}
	errJSON, err := marshalNullable(run.Error)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_events (brain_run_id, seq, type, ts, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		event.BrainRunID, event.Seq, event.Type, event.Timestamp, payload,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: run %q seq %d", ErrConflict, event.BrainRunID, event.Seq)
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = $2, options = $3, error = $4,
			started_at = $5, completed_at = $6,
			current_step_index = $7, step_statuses = $8, state = $9
		WHERE brain_run_id = $1`,
		run.BrainRunID, run.Status, nullableJSON(run.Options), errJSON,
		run.StartedAt, run.CompletedAt,
		run.CurrentStepIndex, stepStatuses, orEmptyObject(run.State),
	)
	if err != nil {
		return fmt.Errorf("update run projection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %q", ErrNotFound, run.BrainRunID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (p *Postgres) Events(ctx context.Context, brainRunID string, sinceSeq int64) ([]*models.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payload FROM run_events
		WHERE brain_run_id = $1 AND seq > $2
		ORDER BY seq`,
		brainRunID, sinceSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var event models.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

func (p *Postgres) LastSeq(ctx context.Context, brainRunID string) (int64, error) {
	var seq int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE brain_run_id = $1`,
		brainRunID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("select last seq: %w", err)
	}
	return seq, nil
}

func (p *Postgres) PutWaiters(ctx context.Context, waiters []models.Waiter) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put waiters: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, w := range waiters {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO waiters (brain_run_id, slug, identifier, token, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			w.BrainRunID, w.Slug, w.Identifier, w.ExpectedToken, w.CreatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: waiter %s/%s", ErrConflict, w.Slug, w.Identifier)
		}
		if err != nil {
			return fmt.Errorf("insert waiter: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put waiters: %w", err)
	}
	return nil
}

func (p *Postgres) FindWaiter(ctx context.Context, slug, identifier string) (*models.Waiter, error) {
	var w models.Waiter
	err := p.db.QueryRowContext(ctx, `
		SELECT brain_run_id, slug, identifier, token, created_at
		FROM waiters WHERE slug = $1 AND identifier = $2`,
		slug, identifier,
	).Scan(&w.BrainRunID, &w.Slug, &w.Identifier, &w.ExpectedToken, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: waiter %s/%s", ErrNotFound, slug, identifier)
	}
	if err != nil {
		return nil, fmt.Errorf("select waiter: %w", err)
	}
	return &w, nil
}

func (p *Postgres) DeleteWaiter(ctx context.Context, slug, identifier string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM waiters WHERE slug = $1 AND identifier = $2`, slug, identifier)
	if err != nil {
		return fmt.Errorf("delete waiter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete waiter: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: waiter %s/%s", ErrNotFound, slug, identifier)
	}
	return nil
}

func (p *Postgres) DeleteRunWaiters(ctx context.Context, brainRunID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM waiters WHERE brain_run_id = $1`, brainRunID)
	if err != nil {
		return fmt.Errorf("delete run waiters: %w", err)
	}
	return nil
}

func (p *Postgres) RunWaiters(ctx context.Context, brainRunID string) ([]models.Waiter, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT brain_run_id, slug, identifier, token, created_at
		FROM waiters WHERE brain_run_id = $1 ORDER BY slug, identifier`,
		brainRunID,
	)
	if err != nil {
		return nil, fmt.Errorf("select run waiters: %w", err)
	}
	defer rows.Close()

	var waiters []models.Waiter
	for rows.Next() {
		var w models.Waiter
		if err := rows.Scan(&w.BrainRunID, &w.Slug, &w.Identifier, &w.ExpectedToken, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan waiter: %w", err)
		}
		waiters = append(waiters, w)
	}
	return waiters, rows.Err()
}

func (p *Postgres) CreateSchedule(ctx context.Context, schedule *models.Schedule) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO schedules (id, brain_title, cron_spec, enabled, created_at, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		schedule.ID, schedule.BrainTitle, schedule.Cron, schedule.Enabled,
		schedule.CreatedAt, schedule.NextRunAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: schedule %q", ErrConflict, schedule.ID)
	}
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (p *Postgres) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	var s models.Schedule
	err := p.db.QueryRowContext(ctx, `
		SELECT id, brain_title, cron_spec, enabled, created_at, next_run_at
		FROM schedules WHERE id = $1`, id,
	).Scan(&s.ID, &s.BrainTitle, &s.Cron, &s.Enabled, &s.CreatedAt, &s.NextRunAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: schedule %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select schedule: %w", err)
	}
	return &s, nil
}

func (p *Postgres) DeleteSchedule(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: schedule %q", ErrNotFound, id)
	}
	return nil
}

func (p *Postgres) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, brain_title, cron_spec, enabled, created_at, next_run_at
		FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*models.Schedule
	for rows.Next() {
		var s models.Schedule
		if err := rows.Scan(&s.ID, &s.BrainTitle, &s.Cron, &s.Enabled, &s.CreatedAt, &s.NextRunAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, &s)
	}
	return schedules, rows.Err()
}

func (p *Postgres) UpdateScheduleNextRun(ctx context.Context, id string, next time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE schedules SET next_run_at = $2 WHERE id = $1`, id, next)
	if err != nil {
		return fmt.Errorf("update schedule next run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: schedule %q", ErrNotFound, id)
	}
	return nil
}

func (p *Postgres) CreateScheduledRun(ctx context.Context, sr *models.ScheduledRun) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO scheduled_runs (id, schedule_id, brain_run_id, status, ran_at, completed_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sr.ID, sr.ScheduleID, sr.BrainRunID, sr.Status, sr.RanAt, sr.CompletedAt, sr.Error,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: scheduled run %q", ErrConflict, sr.ID)
	}
	if err != nil {
		return fmt.Errorf("insert scheduled run: %w", err)
	}
	return nil
}

func (p *Postgres) FinishScheduledRun(ctx context.Context, id string, status models.ScheduledRunStatus, completedAt time.Time, errMsg string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE scheduled_runs SET status = $2, completed_at = $3, error = $4
		WHERE id = $1`,
		id, status, completedAt, errMsg,
	)
	if err != nil {
		return fmt.Errorf("finish scheduled run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: scheduled run %q", ErrNotFound, id)
	}
	return nil
}

const scheduledRunColumns = `id, schedule_id, brain_run_id, status, ran_at, completed_at, error`

func (p *Postgres) ListScheduledRuns(ctx context.Context, scheduleID string, limit int) ([]*models.ScheduledRun, error) {
	query := `SELECT ` + scheduledRunColumns + ` FROM scheduled_runs
		WHERE schedule_id = $1 ORDER BY ran_at DESC`
	args := []any{scheduleID}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $2"
	}
	return p.queryScheduledRuns(ctx, query, args...)
}

func (p *Postgres) OpenScheduledRuns(ctx context.Context) ([]*models.ScheduledRun, error) {
	return p.queryScheduledRuns(ctx, `
		SELECT `+scheduledRunColumns+` FROM scheduled_runs
		WHERE status = $1 ORDER BY ran_at`,
		models.ScheduledRunTriggered,
	)
}

func (p *Postgres) FindScheduledRunByBrainRun(ctx context.Context, brainRunID string) (*models.ScheduledRun, error) {
	runs, err := p.queryScheduledRuns(ctx, `
		SELECT `+scheduledRunColumns+` FROM scheduled_runs
		WHERE brain_run_id = $1 ORDER BY ran_at DESC LIMIT 1`,
		brainRunID,
	)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: scheduled run for %q", ErrNotFound, brainRunID)
	}
	return runs[0], nil
}

func (p *Postgres) queryScheduledRuns(ctx context.Context, query string, args ...any) ([]*models.ScheduledRun, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select scheduled runs: %w", err)
	}
	defer rows.Close()

	var out []*models.ScheduledRun
	for rows.Next() {
		var sr models.ScheduledRun
		if err := rows.Scan(&sr.ID, &sr.ScheduleID, &sr.BrainRunID, &sr.Status, &sr.RanAt, &sr.CompletedAt, &sr.Error); err != nil {
			return nil, fmt.Errorf("scan scheduled run: %w", err)
		}
		out = append(out, &sr)
	}
	return out, rows.Err()
}

func (p *Postgres) Alarm(ctx context.Context) (time.Time, bool, error) {
	var fireAt time.Time
	err := p.db.QueryRowContext(ctx,
		`SELECT fire_at FROM scheduler_alarm WHERE id = 1`).Scan(&fireAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("select alarm: %w", err)
	}
	return fireAt, true, nil
}

func (p *Postgres) SetAlarm(ctx context.Context, fireAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO scheduler_alarm (id, fire_at) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET fire_at = EXCLUDED.fire_at`,
		fireAt,
	)
	if err != nil {
		return fmt.Errorf("set alarm: %w", err)
	}
	return nil
}

func (p *Postgres) PruneTerminalRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE status IN ($1, $2, $3) AND completed_at IS NOT NULL AND completed_at < $4`,
		models.StatusComplete, models.StatusError, models.StatusCancelled, before,
	)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run          models.Run
		options      []byte
		errJSON      []byte
		stepStatuses []byte
		state        []byte
	)
	err := row.Scan(
		&run.BrainRunID, &run.BrainTitle, &run.BrainDescription, &run.Status,
		&options, &errJSON,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt,
		&run.CurrentStepIndex, &stepStatuses, &state,
	)
	if err != nil {
		return nil, err
	}
	if len(options) > 0 {
		run.Options = json.RawMessage(options)
	}
	if len(errJSON) > 0 {
		var serr models.SerializedError
		if err := json.Unmarshal(errJSON, &serr); err != nil {
			return nil, fmt.Errorf("unmarshal run error: %w", err)
		}
		run.Error = &serr
	}
	if len(stepStatuses) > 0 {
		if err := json.Unmarshal(stepStatuses, &run.StepStatuses); err != nil {
			return nil, fmt.Errorf("unmarshal step statuses: %w", err)
		}
	}
	run.State = json.RawMessage(state)
	return &run, nil
}

func marshalStepStatuses(statuses []models.StepSnapshot) ([]byte, error) {
	if statuses == nil {
		return []byte(`[]`), nil
	}
	data, err := json.Marshal(statuses)
	if err != nil {
		return nil, fmt.Errorf("marshal step statuses: %w", err)
	}
	return data, nil
}

func marshalNullable(v *models.SerializedError) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal run error: %w", err)
	}
	return data, nil
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func orEmptyObject(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return raw
}
