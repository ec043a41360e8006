package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"conductor/internal/schedule"
)

const scheduleColumns = `id, name, workflow_id, cron_expression, timezone, enabled,
next_execution_time, last_execution_time, created_at, updated_at`

// SaveSchedule inserts or updates a schedule.
func (s *Store) SaveSchedule(ctx context.Context, sc schedule.Schedule) error {
	var next, last sql.NullTime
	if sc.NextExecutionTime != nil {
		next = sql.NullTime{Time: *sc.NextExecutionTime, Valid: true}
	}
	if sc.LastExecutionTime != nil {
		last = sql.NullTime{Time: *sc.LastExecutionTime, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name = excluded.name,
  workflow_id = excluded.workflow_id,
  cron_expression = excluded.cron_expression,
  timezone = excluded.timezone,
  enabled = excluded.enabled,
  next_execution_time = excluded.next_execution_time,
  last_execution_time = excluded.last_execution_time,
  updated_at = excluded.updated_at`),
		sc.ID, sc.Name, sc.WorkflowID, sc.CronExpression, sc.Timezone, sc.Enabled, next, last, sc.CreatedAt, sc.UpdatedAt)
	return err
}

func scanSchedule(scan func(...any) error) (schedule.Schedule, error) {
	var sc schedule.Schedule
	var next, last sql.NullTime
	if err := scan(&sc.ID, &sc.Name, &sc.WorkflowID, &sc.CronExpression, &sc.Timezone, &sc.Enabled, &next, &last, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return schedule.Schedule{}, err
	}
	if next.Valid {
		t := next.Time
		sc.NextExecutionTime = &t
	}
	if last.Valid {
		t := last.Time
		sc.LastExecutionTime = &t
	}
	return sc, nil
}

// GetSchedule returns one schedule, or schedule.ErrNotFound.
func (s *Store) GetSchedule(ctx context.Context, id string) (schedule.Schedule, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`), id)
	sc, err := scanSchedule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, schedule.ErrNotFound
	}
	return sc, err
}

// ListSchedules returns filtered schedules, newest first.
func (s *Store) ListSchedules(ctx context.Context, f schedule.Filter, limit, offset int) ([]schedule.Schedule, error) {
	var conds []string
	var args []any
	if f.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, *f.Enabled)
	}
	if f.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+scheduleColumns+` FROM schedules`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DeleteSchedule removes a schedule, or returns schedule.ErrNotFound.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM schedules WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return notFoundIfZero(res, schedule.ErrNotFound)
}

// DueSchedules returns enabled schedules due at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT `+scheduleColumns+` FROM schedules
WHERE enabled = ? AND next_execution_time IS NOT NULL AND next_execution_time <= ?
ORDER BY next_execution_time ASC`), true, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// SaveExecution inserts an execution record.
func (s *Store) SaveExecution(ctx context.Context, e schedule.Execution) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO schedule_executions (id, schedule_id, workflow_id, status, error_message, started_at, completed_at, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.ScheduleID, e.WorkflowID, string(e.Status), e.ErrorMessage, e.StartedAt, e.CompletedAt, e.DurationMs)
	return err
}

// ListExecutions returns a schedule's executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, scheduleID string, limit, offset int) ([]schedule.Execution, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, schedule_id, workflow_id, status, error_message, started_at, completed_at, duration_ms
FROM schedule_executions WHERE schedule_id = ?
ORDER BY completed_at DESC LIMIT ? OFFSET ?`), scheduleID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.Execution
	for rows.Next() {
		var e schedule.Execution
		var status string
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.WorkflowID, &status, &e.ErrorMessage, &e.StartedAt, &e.CompletedAt, &e.DurationMs); err != nil {
			return nil, err
		}
		e.Status = schedule.ExecutionStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}
