package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"conductor/internal/dlq"
)

const dlqColumns = `id, task_id, task_definition, error_message, error_stack, error_code,
error_timestamp, error_attempts, retry_count, added_at, resolved_at, resolution_notes`

// AddEntry inserts a DLQ entry.
func (s *Store) AddEntry(ctx context.Context, e dlq.Entry) error {
	var def sql.NullString
	if len(e.TaskDefinition) > 0 {
		def = sql.NullString{String: string(e.TaskDefinition), Valid: true}
	}
	var resolved sql.NullTime
	if e.ResolvedAt != nil {
		resolved = sql.NullTime{Time: *e.ResolvedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO dlq_entries (`+dlqColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.TaskID, def, e.ErrorDetails.Message, e.ErrorDetails.Stack, e.ErrorDetails.Code,
		e.ErrorDetails.Timestamp, e.ErrorDetails.Attempts, e.RetryCount, e.AddedAt, resolved, e.ResolutionNotes)
	return err
}

func scanDLQEntry(scan func(...any) error) (dlq.Entry, error) {
	var e dlq.Entry
	var def sql.NullString
	var resolved sql.NullTime
	if err := scan(&e.ID, &e.TaskID, &def, &e.ErrorDetails.Message, &e.ErrorDetails.Stack, &e.ErrorDetails.Code,
		&e.ErrorDetails.Timestamp, &e.ErrorDetails.Attempts, &e.RetryCount, &e.AddedAt, &resolved, &e.ResolutionNotes); err != nil {
		return dlq.Entry{}, err
	}
	if def.Valid {
		e.TaskDefinition = json.RawMessage(def.String)
	}
	if resolved.Valid {
		t := resolved.Time
		e.ResolvedAt = &t
	}
	return e, nil
}

// GetEntry returns one entry, or dlq.ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, id string) (dlq.Entry, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+dlqColumns+` FROM dlq_entries WHERE id = ?`), id)
	e, err := scanDLQEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return dlq.Entry{}, dlq.ErrNotFound
	}
	return e, err
}

func dlqWhere(f dlq.Filter) (string, []any) {
	var conds []string
	var args []any
	if f.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Resolved != nil {
		if *f.Resolved {
			conds = append(conds, "resolved_at IS NOT NULL")
		} else {
			conds = append(conds, "resolved_at IS NULL")
		}
	}
	if f.MinRetryCount != nil {
		conds = append(conds, "retry_count >= ?")
		args = append(args, *f.MinRetryCount)
	}
	if f.MaxRetryCount != nil {
		conds = append(conds, "retry_count <= ?")
		args = append(args, *f.MaxRetryCount)
	}
	if f.AddedAfter != nil {
		conds = append(conds, "added_at > ?")
		args = append(args, *f.AddedAfter)
	}
	if f.AddedBefore != nil {
		conds = append(conds, "added_at < ?")
		args = append(args, *f.AddedBefore)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListEntries returns filtered entries, newest first.
func (s *Store) ListEntries(ctx context.Context, f dlq.Filter, limit, offset int) ([]dlq.Entry, error) {
	where, args := dlqWhere(f)
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+dlqColumns+` FROM dlq_entries`+where+` ORDER BY added_at DESC LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dlq.Entry
	for rows.Next() {
		e, err := scanDLQEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEntry rewrites a stored entry, or returns dlq.ErrNotFound.
func (s *Store) UpdateEntry(ctx context.Context, e dlq.Entry) error {
	var def sql.NullString
	if len(e.TaskDefinition) > 0 {
		def = sql.NullString{String: string(e.TaskDefinition), Valid: true}
	}
	var resolved sql.NullTime
	if e.ResolvedAt != nil {
		resolved = sql.NullTime{Time: *e.ResolvedAt, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE dlq_entries SET task_definition = ?, error_message = ?, error_stack = ?, error_code = ?,
  error_timestamp = ?, error_attempts = ?, retry_count = ?, resolved_at = ?, resolution_notes = ?
WHERE id = ?`),
		def, e.ErrorDetails.Message, e.ErrorDetails.Stack, e.ErrorDetails.Code,
		e.ErrorDetails.Timestamp, e.ErrorDetails.Attempts, e.RetryCount, resolved, e.ResolutionNotes, e.ID)
	if err != nil {
		return err
	}
	return notFoundIfZero(res, dlq.ErrNotFound)
}

// DeleteEntry removes an entry, or returns dlq.ErrNotFound.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM dlq_entries WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return notFoundIfZero(res, dlq.ErrNotFound)
}

// CountEntries counts entries matching the filter.
func (s *Store) CountEntries(ctx context.Context, f dlq.Filter) (int, error) {
	where, args := dlqWhere(f)
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM dlq_entries`+where), args...).Scan(&n)
	return n, err
}

func notFoundIfZero(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
