// Package retry persists retry attempts for failed tasks and re-executes
// them when due through a polling scheduler with bounded concurrency.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"conductor/internal/backoff"
)

// ErrNotFound is returned for lookups of unknown attempt ids.
var ErrNotFound = errors.New("retry attempt not found")

// Status is the lifecycle state of a retry attempt. An attempt is terminal
// once it leaves StatusPending.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Attempt is one scheduled retry of a task.
type Attempt struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	AttemptNumber int       `json:"attempt_number"`
	ErrorMessage  string    `json:"error_message"`
	RetryAt       time.Time `json:"retry_at"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store persists retry attempts. GetAttempt returns ErrNotFound for unknown
// ids; the engine does not validate existence on status updates.
type Store interface {
	SaveAttempt(ctx context.Context, a Attempt) error
	GetAttempt(ctx context.Context, id string) (Attempt, error)
	DueAttempts(ctx context.Context, now time.Time) ([]Attempt, error)
	UpdateAttemptStatus(ctx context.Context, id string, status Status) error
}

// Engine owns the retry attempt lifecycle. Store failures propagate to the
// caller unchanged.
type Engine struct {
	store Store
}

// NewEngine returns an Engine over the given store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// CreateAttempt computes the next retry time for a task that just failed its
// currentAttempt-th attempt and persists a pending attempt numbered
// currentAttempt+1.
func (e *Engine) CreateAttempt(ctx context.Context, taskID string, currentAttempt int, errMsg string, policy backoff.Policy) (Attempt, error) {
	next, err := backoff.NextRetry(currentAttempt, policy, time.Now())
	if err != nil {
		return Attempt{}, err
	}

	now := time.Now()
	attempt := Attempt{
		ID:            "rty_" + uuid.NewString(),
		TaskID:        taskID,
		AttemptNumber: next.Attempt,
		ErrorMessage:  errMsg,
		RetryAt:       next.RetryAt,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.SaveAttempt(ctx, attempt); err != nil {
		return Attempt{}, err
	}
	return attempt, nil
}

// GetAttempt returns one attempt, or ErrNotFound.
func (e *Engine) GetAttempt(ctx context.Context, id string) (Attempt, error) {
	return e.store.GetAttempt(ctx, id)
}

// DueRetries returns all pending attempts whose retry time is at or before now.
func (e *Engine) DueRetries(ctx context.Context, now time.Time) ([]Attempt, error) {
	return e.store.DueAttempts(ctx, now)
}

// MarkSuccess transitions an attempt to success.
func (e *Engine) MarkSuccess(ctx context.Context, id string) error {
	return e.store.UpdateAttemptStatus(ctx, id, StatusSuccess)
}

// MarkFailed transitions an attempt to failed.
func (e *Engine) MarkFailed(ctx context.Context, id string) error {
	return e.store.UpdateAttemptStatus(ctx, id, StatusFailed)
}

// CanRetry reports whether another attempt is allowed after attemptNumber.
func (e *Engine) CanRetry(attemptNumber int, policy backoff.Policy) bool {
	return backoff.CanRetry(attemptNumber, policy)
}
