package schedule

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// WorkflowRunner executes the workflow a schedule points at.
type WorkflowRunner interface {
	Run(ctx context.Context, workflowID string) error
}

// Executor polls for due schedules and runs their workflows, recording each
// outcome through the Service.
type Executor struct {
	svc      *Service
	runner   WorkflowRunner
	stop     chan struct{}
	interval time.Duration
}

// NewExecutor returns an executor that checks for due schedules every
// checkInterval.
func NewExecutor(svc *Service, runner WorkflowRunner, checkInterval time.Duration) *Executor {
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}
	return &Executor{
		svc:      svc,
		runner:   runner,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

// Start blocks, polling until the context is canceled or Stop is called.
func (e *Executor) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", e.interval).Msg("schedule executor started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case now := <-ticker.C:
			e.processDueSchedules(ctx, now)
		}
	}
}

// Stop ends the polling loop.
func (e *Executor) Stop() {
	close(e.stop)
}

func (e *Executor) processDueSchedules(ctx context.Context, now time.Time) {
	due, err := e.svc.Due(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, sched := range due {
		e.runSchedule(ctx, sched)
	}
}

func (e *Executor) runSchedule(ctx context.Context, sched Schedule) {
	started := time.Now()
	err := e.runner.Run(ctx, sched.WorkflowID)
	duration := time.Since(started)

	success := err == nil
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		log.Error().Err(err).Str("schedule_id", sched.ID).Str("workflow_id", sched.WorkflowID).Msg("scheduled workflow failed")
	} else {
		log.Info().Str("schedule_id", sched.ID).Str("workflow_id", sched.WorkflowID).Dur("duration", duration).Msg("scheduled workflow completed")
	}

	if _, err := e.svc.RecordExecution(ctx, sched.ID, sched.WorkflowID, success, errMsg, duration); err != nil {
		log.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to record execution")
	}
}
