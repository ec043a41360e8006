// Package dlq stores tasks that permanently failed after exhausting their
// retries. Entries stay behind as audit records: resubmission resets the
// retry count but never deletes, and only resolved entries age out.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned for operations on unknown entry ids.
var ErrNotFound = errors.New("dlq entry not found")

// ErrorDetails captures the failure that routed a task here.
type ErrorDetails struct {
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts"`
}

// Entry is one dead-lettered task.
type Entry struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"task_id"`
	TaskDefinition  json.RawMessage `json:"task_definition"`
	ErrorDetails    ErrorDetails    `json:"error_details"`
	RetryCount      int             `json:"retry_count"`
	AddedAt         time.Time       `json:"added_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
}

// Resolved reports whether the entry has been resolved.
func (e Entry) Resolved() bool { return e.ResolvedAt != nil }

// Filter narrows entry listings.
type Filter struct {
	TaskID        string
	Resolved      *bool
	MinRetryCount *int
	MaxRetryCount *int
	AddedAfter    *time.Time
	AddedBefore   *time.Time
}

// Store persists DLQ entries. GetEntry returns ErrNotFound for unknown ids;
// listings are newest-first.
type Store interface {
	AddEntry(ctx context.Context, e Entry) error
	GetEntry(ctx context.Context, id string) (Entry, error)
	ListEntries(ctx context.Context, f Filter, limit, offset int) ([]Entry, error)
	UpdateEntry(ctx context.Context, e Entry) error
	DeleteEntry(ctx context.Context, id string) error
	CountEntries(ctx context.Context, f Filter) (int, error)
}

// Stats summarizes queue state.
type Stats struct {
	TotalEntries      int           `json:"total_entries"`
	UnresolvedEntries int           `json:"unresolved_entries"`
	ResolvedEntries   int           `json:"resolved_entries"`
	OldestEntryAge    time.Duration `json:"oldest_entry_age_ms"`
	AverageRetryCount float64       `json:"average_retry_count"`
}

// DeadLetter is the queue service over a Store.
type DeadLetter struct {
	store Store
}

// New returns a DeadLetter over the given store.
func New(store Store) *DeadLetter {
	return &DeadLetter{store: store}
}

// AddFailedTask records a task that exhausted its retries. Every call creates
// a new entry; there is no dedup per task.
func (d *DeadLetter) AddFailedTask(ctx context.Context, taskID string, taskDefinition json.RawMessage, details ErrorDetails, retryCount int) (Entry, error) {
	if details.Timestamp.IsZero() {
		details.Timestamp = time.Now()
	}
	entry := Entry{
		ID:             "dlq_" + uuid.NewString(),
		TaskID:         taskID,
		TaskDefinition: taskDefinition,
		ErrorDetails:   details,
		RetryCount:     retryCount,
		AddedAt:        time.Now(),
	}
	if err := d.store.AddEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	log.Warn().Str("task_id", taskID).Str("dlq_id", entry.ID).Int("retry_count", retryCount).Msg("task dead-lettered")
	return entry, nil
}

// GetEntry returns one entry, or ErrNotFound.
func (d *DeadLetter) GetEntry(ctx context.Context, id string) (Entry, error) {
	return d.store.GetEntry(ctx, id)
}

// ListEntries returns filtered entries with pagination.
func (d *DeadLetter) ListEntries(ctx context.Context, f Filter, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return d.store.ListEntries(ctx, f, limit, offset)
}

// ResolveEntry marks an entry resolved with notes. Fails with ErrNotFound for
// unknown ids.
func (d *DeadLetter) ResolveEntry(ctx context.Context, id, notes string) (Entry, error) {
	entry, err := d.store.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	now := time.Now()
	entry.ResolvedAt = &now
	entry.ResolutionNotes = notes
	if err := d.store.UpdateEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// ResubmitEntry resets an entry for re-execution: retry count drops to zero
// and the definition is replaced when a modified one is supplied. The entry
// itself is kept as an audit record, and the caller is responsible for
// actually re-enqueueing the returned definition.
func (d *DeadLetter) ResubmitEntry(ctx context.Context, id string, modifiedDefinition json.RawMessage) (Entry, error) {
	entry, err := d.store.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if len(modifiedDefinition) > 0 {
		entry.TaskDefinition = modifiedDefinition
	}
	entry.RetryCount = 0
	if err := d.store.UpdateEntry(ctx, entry); err != nil {
		return Entry{}, err
	}
	log.Info().Str("dlq_id", id).Str("task_id", entry.TaskID).Msg("dlq entry resubmitted")
	return entry, nil
}

// BatchResolve resolves every listed id, skipping unknown ones, and returns
// the number resolved.
func (d *DeadLetter) BatchResolve(ctx context.Context, ids []string, notes string) (int, error) {
	resolved := 0
	for _, id := range ids {
		if _, err := d.ResolveEntry(ctx, id, notes); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

// Backlog returns unresolved entries, newest first.
func (d *DeadLetter) Backlog(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	unresolved := false
	return d.store.ListEntries(ctx, Filter{Resolved: &unresolved}, limit, 0)
}

// IsInDLQ reports whether at least one unresolved entry exists for the task.
func (d *DeadLetter) IsInDLQ(ctx context.Context, taskID string) (bool, error) {
	unresolved := false
	n, err := d.store.CountEntries(ctx, Filter{TaskID: taskID, Resolved: &unresolved})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CleanupResolved deletes resolved entries whose resolution predates the
// retention window and returns the count deleted. Entries flagged resolved by
// the store but missing a resolution time are re-checked here and skipped.
func (d *DeadLetter) CleanupResolved(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	resolved := true
	entries, err := d.store.ListEntries(ctx, Filter{Resolved: &resolved}, 10000, 0)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, e := range entries {
		if e.ResolvedAt == nil || !e.ResolvedAt.Before(cutoff) {
			continue
		}
		if err := d.store.DeleteEntry(ctx, e.ID); err != nil {
			return deleted, fmt.Errorf("deleting dlq entry %s: %w", e.ID, err)
		}
		deleted++
	}
	if deleted > 0 {
		log.Info().Int("deleted", deleted).Int("retention_days", retentionDays).Msg("dlq cleanup")
	}
	return deleted, nil
}

// Stats returns queue totals.
func (d *DeadLetter) Stats(ctx context.Context) (Stats, error) {
	total, err := d.store.CountEntries(ctx, Filter{})
	if err != nil {
		return Stats{}, err
	}
	unresolvedFlag := false
	unresolved, err := d.store.CountEntries(ctx, Filter{Resolved: &unresolvedFlag})
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		TotalEntries:      total,
		UnresolvedEntries: unresolved,
		ResolvedEntries:   total - unresolved,
	}

	entries, err := d.store.ListEntries(ctx, Filter{}, 10000, 0)
	if err != nil {
		return Stats{}, err
	}
	if len(entries) > 0 {
		oldest := entries[len(entries)-1] // listings are newest-first
		stats.OldestEntryAge = time.Since(oldest.AddedAt)
		totalRetries := 0
		for _, e := range entries {
			totalRetries += e.RetryCount
		}
		stats.AverageRetryCount = float64(totalRetries) / float64(len(entries))
	}
	return stats, nil
}
