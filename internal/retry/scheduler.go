package retry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"conductor/internal/backoff"
	"conductor/internal/metrics"
)

// ExecResult is the outcome of executing one task.
type ExecResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TaskExecutor runs one task's business logic. A returned error is treated
// the same as an unsuccessful result with a generic message.
type TaskExecutor interface {
	Execute(ctx context.Context, taskID string) (ExecResult, error)
}

// SchedulerConfig configures the polling worker. Zero values take the
// defaults below.
type SchedulerConfig struct {
	PollInterval  time.Duration // default 30s
	BatchSize     int           // default 100
	MaxConcurrent int           // default 10
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	return c
}

// Scheduler polls for due retry attempts and executes them with a hard cap
// on in-flight executions. Start and Stop are idempotent.
type Scheduler struct {
	engine   *Engine
	executor TaskExecutor
	cfg      SchedulerConfig
	metrics  *metrics.Collector

	mu       sync.Mutex
	policies map[string]backoff.Policy
	running  bool
	stop     chan struct{}

	active int64

	// OnExhausted is invoked when a task fails its final allowed attempt.
	// The scheduler never routes to the dead letter queue itself; the
	// composition root wires that here if terminal visibility is wanted.
	OnExhausted func(ctx context.Context, attempt Attempt)
}

// NewScheduler builds a scheduler over the engine and executor. policies maps
// task IDs to their retry policies; tasks without a policy are not re-retried
// after a failed attempt.
func NewScheduler(engine *Engine, executor TaskExecutor, cfg SchedulerConfig, policies map[string]backoff.Policy, collector *metrics.Collector) *Scheduler {
	if policies == nil {
		policies = make(map[string]backoff.Policy)
	}
	return &Scheduler{
		engine:   engine,
		executor: executor,
		cfg:      cfg.withDefaults(),
		metrics:  collector,
		policies: policies,
	}
}

// Start begins polling. The first poll runs immediately. Calling Start on a
// running scheduler logs and no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Warn().Msg("retry scheduler already running")
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	log.Info().Dur("poll_interval", s.cfg.PollInterval).Int("max_concurrent", s.cfg.MaxConcurrent).Msg("retry scheduler started")

	go s.run(ctx, stop)
}

func (s *Scheduler) run(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// Stop cancels future polls. A poll already in flight drains cooperatively.
// Calling Stop on a stopped scheduler logs and no-ops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		log.Warn().Msg("retry scheduler not running")
		return
	}
	s.running = false
	close(s.stop)
	log.Info().Msg("retry scheduler stopped")
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ActiveRetries returns the number of in-flight retry executions.
func (s *Scheduler) ActiveRetries() int {
	return int(atomic.LoadInt64(&s.active))
}

// RegisterTaskPolicy sets a task's retry policy; effective on the next poll.
func (s *Scheduler) RegisterTaskPolicy(taskID string, policy backoff.Policy) {
	s.mu.Lock()
	s.policies[taskID] = policy
	s.mu.Unlock()
	log.Debug().Str("task_id", taskID).Msg("registered retry policy")
}

// UnregisterTaskPolicy removes a task's retry policy.
func (s *Scheduler) UnregisterTaskPolicy(taskID string) {
	s.mu.Lock()
	delete(s.policies, taskID)
	s.mu.Unlock()
	log.Debug().Str("task_id", taskID).Msg("unregistered retry policy")
}

func (s *Scheduler) policyFor(taskID string) (backoff.Policy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[taskID]
	return p, ok
}

// poll fetches due attempts and processes them in sequential batches sized to
// the remaining concurrency headroom. When the cap is already reached the
// whole cycle is skipped.
func (s *Scheduler) poll(ctx context.Context) {
	active := atomic.LoadInt64(&s.active)
	if int(active) >= s.cfg.MaxConcurrent {
		log.Debug().Int64("active", active).Msg("max concurrent retries reached, skipping poll")
		return
	}

	due, err := s.engine.DueRetries(ctx, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("retry poll failed")
		return
	}
	if len(due) == 0 {
		return
	}
	log.Info().Int("count", len(due)).Msg("found due retries")

	batchSize := s.cfg.BatchSize
	if headroom := s.cfg.MaxConcurrent - int(active); headroom < batchSize {
		batchSize = headroom
	}

	for start := 0; start < len(due); start += batchSize {
		end := start + batchSize
		if end > len(due) {
			end = len(due)
		}
		s.processBatch(ctx, due[start:end])
	}
}

// processBatch executes attempts concurrently and waits for all of them;
// individual failures never abort the batch.
func (s *Scheduler) processBatch(ctx context.Context, batch []Attempt) {
	var wg sync.WaitGroup
	for _, attempt := range batch {
		wg.Add(1)
		go func(a Attempt) {
			defer wg.Done()
			s.executeRetry(ctx, a)
		}(attempt)
	}
	wg.Wait()
}

func (s *Scheduler) executeRetry(ctx context.Context, attempt Attempt) {
	atomic.AddInt64(&s.active, 1)
	defer atomic.AddInt64(&s.active, -1)

	started := time.Now()
	result, err := s.executor.Execute(ctx, attempt.TaskID)
	if err != nil {
		result = ExecResult{Success: false, Error: "task execution error: " + err.Error()}
	}

	if result.Success {
		log.Info().Str("task_id", attempt.TaskID).Int("attempt", attempt.AttemptNumber).Msg("retry succeeded")
		if err := s.engine.MarkSuccess(ctx, attempt.ID); err != nil {
			log.Error().Err(err).Str("attempt_id", attempt.ID).Msg("mark success failed")
		}
		s.record(started, true)
		return
	}

	log.Warn().Str("task_id", attempt.TaskID).Int("attempt", attempt.AttemptNumber).Str("error", result.Error).Msg("retry failed")

	// The current attempt must leave pending before its successor is created:
	// the store allows at most one pending attempt per task.
	if err := s.engine.MarkFailed(ctx, attempt.ID); err != nil {
		log.Error().Err(err).Str("attempt_id", attempt.ID).Msg("mark failed failed")
	}

	policy, ok := s.policyFor(attempt.TaskID)
	if ok && s.engine.CanRetry(attempt.AttemptNumber, policy) {
		errMsg := result.Error
		if errMsg == "" {
			errMsg = "unknown error"
		}
		if _, err := s.engine.CreateAttempt(ctx, attempt.TaskID, attempt.AttemptNumber, errMsg, policy); err != nil {
			log.Error().Err(err).Str("task_id", attempt.TaskID).Msg("scheduling next retry failed")
		}
	} else {
		log.Warn().Str("task_id", attempt.TaskID).Int("attempt", attempt.AttemptNumber).Msg("retries exhausted")
		if s.OnExhausted != nil {
			s.OnExhausted(ctx, attempt)
		}
	}
	s.record(started, false)
}

func (s *Scheduler) record(started time.Time, success bool) {
	if s.metrics != nil {
		s.metrics.RecordRetryAttempt(time.Since(started), success)
	}
}
