// Package schedule manages cron-driven workflow schedules and their
// execution history.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"conductor/internal/cron"
	"conductor/internal/metrics"
)

var (
	// ErrNotFound is returned for operations on unknown schedule ids.
	ErrNotFound = errors.New("schedule not found")
	// ErrInvalidCron wraps cron expression validation failures.
	ErrInvalidCron = errors.New("invalid cron expression")
	// ErrInvalidTimezone wraps timezone lookup failures.
	ErrInvalidTimezone = errors.New("invalid timezone")
)

// Schedule triggers a workflow on a cron cadence. An empty Timezone means the
// cron fields are evaluated in server local time.
type Schedule struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	WorkflowID        string     `json:"workflow_id"`
	CronExpression    string     `json:"cron_expression"`
	Timezone          string     `json:"timezone,omitempty"`
	Enabled           bool       `json:"enabled"`
	NextExecutionTime *time.Time `json:"next_execution_time,omitempty"`
	LastExecutionTime *time.Time `json:"last_execution_time,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ExecutionStatus is the outcome of one scheduled run.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Execution is one recorded run of a schedule. WorkflowID is captured at run
// time so history stays attributable after a schedule's workflow changes.
type Execution struct {
	ID           string          `json:"id"`
	ScheduleID   string          `json:"schedule_id"`
	WorkflowID   string          `json:"workflow_id"`
	Status       ExecutionStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at"`
	DurationMs   int64           `json:"duration_ms"`
}

// location resolves the schedule's timezone, defaulting to server local time.
func (sc Schedule) location() (*time.Location, error) {
	if sc.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(sc.Timezone)
}

// nextExecution evaluates the cron expression in the schedule's timezone.
func nextExecution(expr *cron.Expression, sc Schedule, from time.Time) (time.Time, bool) {
	loc, err := sc.location()
	if err != nil {
		return time.Time{}, false
	}
	return expr.Next(from.In(loc))
}

// Filter narrows schedule listings.
type Filter struct {
	Enabled    *bool
	WorkflowID string
}

// Store persists schedules and executions. Get methods return ErrNotFound for
// unknown ids; listings are newest-first.
type Store interface {
	SaveSchedule(ctx context.Context, s Schedule) error
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	ListSchedules(ctx context.Context, f Filter, limit, offset int) ([]Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error)

	SaveExecution(ctx context.Context, e Execution) error
	ListExecutions(ctx context.Context, scheduleID string, limit, offset int) ([]Execution, error)
}

// Service owns the schedule lifecycle over a Store.
type Service struct {
	store   Store
	metrics *metrics.Collector
}

// NewService returns a Service over the given store.
func NewService(store Store, collector *metrics.Collector) *Service {
	return &Service{store: store, metrics: collector}
}

// CreateParams describes a new schedule.
type CreateParams struct {
	Name           string `json:"name"`
	WorkflowID     string `json:"workflow_id"`
	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone,omitempty"`
	Enabled        *bool  `json:"enabled,omitempty"`
}

// Create validates the cron expression and timezone, computes the first
// execution time and persists the schedule. Invalid expressions return
// ErrInvalidCron; unknown timezones return ErrInvalidTimezone.
func (s *Service) Create(ctx context.Context, p CreateParams) (Schedule, error) {
	expr, err := cron.Parse(p.CronExpression)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return Schedule{}, fmt.Errorf("%w: %v", ErrInvalidTimezone, err)
		}
	}

	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	now := time.Now()
	sched := Schedule{
		ID:             "sch_" + uuid.NewString(),
		Name:           p.Name,
		WorkflowID:     p.WorkflowID,
		CronExpression: p.CronExpression,
		Timezone:       p.Timezone,
		Enabled:        enabled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if next, ok := nextExecution(expr, sched, now); ok {
		sched.NextExecutionTime = &next
		if s.metrics != nil {
			s.metrics.RecordNextExecutionTime(time.Until(next))
		}
	}
	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		return Schedule{}, err
	}
	if s.metrics != nil {
		s.metrics.RecordScheduleCreated()
	}
	log.Info().Str("schedule_id", sched.ID).Str("cron", sched.CronExpression).Str("workflow_id", sched.WorkflowID).Msg("schedule created")
	return sched, nil
}

// Get returns one schedule, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// List returns filtered schedules, newest first.
func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListSchedules(ctx, f, limit, offset)
}

// UpdateParams carries partial schedule updates; nil fields are left unchanged.
type UpdateParams struct {
	Name           *string `json:"name,omitempty"`
	WorkflowID     *string `json:"workflow_id,omitempty"`
	CronExpression *string `json:"cron_expression,omitempty"`
	Timezone       *string `json:"timezone,omitempty"`
	Enabled        *bool   `json:"enabled,omitempty"`
}

// Update applies a partial update. Changing the cron expression or timezone
// re-validates it and recomputes the next execution time.
func (s *Service) Update(ctx context.Context, id string, p UpdateParams) (Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return Schedule{}, err
	}
	if p.Name != nil {
		sched.Name = *p.Name
	}
	if p.WorkflowID != nil {
		sched.WorkflowID = *p.WorkflowID
	}
	if p.Enabled != nil {
		sched.Enabled = *p.Enabled
	}
	recompute := false
	if p.CronExpression != nil && *p.CronExpression != sched.CronExpression {
		if _, err := cron.Parse(*p.CronExpression); err != nil {
			return Schedule{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
		}
		sched.CronExpression = *p.CronExpression
		recompute = true
	}
	if p.Timezone != nil && *p.Timezone != sched.Timezone {
		if *p.Timezone != "" {
			if _, err := time.LoadLocation(*p.Timezone); err != nil {
				return Schedule{}, fmt.Errorf("%w: %v", ErrInvalidTimezone, err)
			}
		}
		sched.Timezone = *p.Timezone
		recompute = true
	}
	if recompute {
		expr, err := cron.Parse(sched.CronExpression)
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: %v", ErrInvalidCron, err)
		}
		sched.NextExecutionTime = nil
		if next, ok := nextExecution(expr, sched, time.Now()); ok {
			sched.NextExecutionTime = &next
			if s.metrics != nil {
				s.metrics.RecordNextExecutionTime(time.Until(next))
			}
		}
	}
	sched.UpdatedAt = time.Now()
	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// Delete removes a schedule, or returns ErrNotFound.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSchedule(ctx, id)
}

// RecordExecution stores the outcome of a run of workflowID that took
// duration and just completed, advances the schedule's last and next
// execution times, and returns the created execution record.
func (s *Service) RecordExecution(ctx context.Context, scheduleID, workflowID string, success bool, errMsg string, duration time.Duration) (Execution, error) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return Execution{}, err
	}

	completed := time.Now()
	exec := Execution{
		ID:          "exe_" + uuid.NewString(),
		ScheduleID:  scheduleID,
		WorkflowID:  workflowID,
		Status:      ExecutionSuccess,
		StartedAt:   completed.Add(-duration),
		CompletedAt: completed,
		DurationMs:  duration.Milliseconds(),
	}
	if !success {
		exec.Status = ExecutionFailed
		exec.ErrorMessage = errMsg
	}
	if err := s.store.SaveExecution(ctx, exec); err != nil {
		return Execution{}, err
	}

	sched.LastExecutionTime = &completed
	sched.NextExecutionTime = nil
	if sched.Enabled {
		if expr, err := cron.Parse(sched.CronExpression); err == nil {
			if next, ok := nextExecution(expr, sched, completed); ok {
				sched.NextExecutionTime = &next
				if s.metrics != nil {
					s.metrics.RecordNextExecutionTime(time.Until(next))
				}
			}
		}
	}
	sched.UpdatedAt = completed
	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		return Execution{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordScheduleExecution(duration, success)
	}
	return exec, nil
}

// ExecutionHistory returns a schedule's executions, newest first.
func (s *Service) ExecutionHistory(ctx context.Context, scheduleID string, limit, offset int) ([]Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	if _, err := s.store.GetSchedule(ctx, scheduleID); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, scheduleID, limit, offset)
}

// Due returns enabled schedules whose next execution time has passed.
func (s *Service) Due(ctx context.Context, now time.Time) ([]Schedule, error) {
	return s.store.DueSchedules(ctx, now)
}
