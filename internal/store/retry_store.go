package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"conductor/internal/retry"
)

// SaveAttempt inserts or updates a retry attempt. The partial unique index on
// pending attempts rejects a second concurrent retry for the same task.
func (s *Store) SaveAttempt(ctx context.Context, a retry.Attempt) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO retry_attempts (id, task_id, attempt_number, error_message, retry_at, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  attempt_number = excluded.attempt_number,
  error_message = excluded.error_message,
  retry_at = excluded.retry_at,
  status = excluded.status,
  updated_at = excluded.updated_at`),
		a.ID, a.TaskID, a.AttemptNumber, a.ErrorMessage, a.RetryAt, string(a.Status), a.CreatedAt, a.UpdatedAt)
	return err
}

// GetAttempt returns one attempt, or retry.ErrNotFound.
func (s *Store) GetAttempt(ctx context.Context, id string) (retry.Attempt, error) {
	var a retry.Attempt
	var status string
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, task_id, attempt_number, error_message, retry_at, status, created_at, updated_at
FROM retry_attempts WHERE id = ?`), id).
		Scan(&a.ID, &a.TaskID, &a.AttemptNumber, &a.ErrorMessage, &a.RetryAt, &status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return retry.Attempt{}, retry.ErrNotFound
	}
	if err != nil {
		return retry.Attempt{}, err
	}
	a.Status = retry.Status(status)
	return a, nil
}

// DueAttempts returns pending attempts due at or before now, oldest first.
func (s *Store) DueAttempts(ctx context.Context, now time.Time) ([]retry.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, task_id, attempt_number, error_message, retry_at, status, created_at, updated_at
FROM retry_attempts
WHERE status = 'pending' AND retry_at <= ?
ORDER BY retry_at ASC`), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []retry.Attempt
	for rows.Next() {
		var a retry.Attempt
		var status string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.AttemptNumber, &a.ErrorMessage, &a.RetryAt, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Status = retry.Status(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAttemptStatus sets an attempt's status; unknown ids are a no-op.
func (s *Store) UpdateAttemptStatus(ctx context.Context, id string, status retry.Status) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE retry_attempts SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), time.Now(), id)
	return err
}
