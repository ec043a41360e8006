package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"conductor/internal/backoff"
	"conductor/internal/webhook"
)

// SaveWebhook inserts or updates a webhook.
func (s *Store) SaveWebhook(ctx context.Context, w webhook.Webhook) error {
	events, err := json.Marshal(w.Events)
	if err != nil {
		return err
	}
	headers, err := json.Marshal(w.Headers)
	if err != nil {
		return err
	}
	policy, err := json.Marshal(w.RetryPolicy)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
INSERT INTO webhooks (id, url, events, secret, headers, enabled, retry_policy, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  url = excluded.url,
  events = excluded.events,
  secret = excluded.secret,
  headers = excluded.headers,
  enabled = excluded.enabled,
  retry_policy = excluded.retry_policy,
  updated_at = excluded.updated_at`),
		w.ID, w.URL, string(events), w.Secret, string(headers), w.Enabled, string(policy), w.CreatedAt, w.UpdatedAt)
	return err
}

func scanWebhook(scan func(...any) error) (webhook.Webhook, error) {
	var w webhook.Webhook
	var events, headers, policy string
	if err := scan(&w.ID, &w.URL, &events, &w.Secret, &headers, &w.Enabled, &policy, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return webhook.Webhook{}, err
	}
	if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
		return webhook.Webhook{}, err
	}
	if headers != "" && headers != "null" {
		if err := json.Unmarshal([]byte(headers), &w.Headers); err != nil {
			return webhook.Webhook{}, err
		}
	}
	var p backoff.Policy
	if err := json.Unmarshal([]byte(policy), &p); err != nil {
		return webhook.Webhook{}, err
	}
	w.RetryPolicy = p
	return w, nil
}

const webhookColumns = `id, url, events, secret, headers, enabled, retry_policy, created_at, updated_at`

// GetWebhook returns one webhook, or webhook.ErrNotFound.
func (s *Store) GetWebhook(ctx context.Context, id string) (webhook.Webhook, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`), id)
	w, err := scanWebhook(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.Webhook{}, webhook.ErrNotFound
	}
	return w, err
}

// ListWebhooks returns all webhooks, newest first.
func (s *Store) ListWebhooks(ctx context.Context) ([]webhook.Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []webhook.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWebhook removes a webhook, or returns webhook.ErrNotFound. Past
// deliveries are kept.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM webhooks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return notFoundIfZero(res, webhook.ErrNotFound)
}

// SaveEvent inserts an event.
func (s *Store) SaveEvent(ctx context.Context, e webhook.Event) error {
	var data sql.NullString
	if len(e.Data) > 0 {
		data = sql.NullString{String: string(e.Data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO webhook_events (id, type, data, occurred_at) VALUES (?, ?, ?, ?)`),
		e.ID, e.Type, data, e.Timestamp)
	return err
}

// GetEvent returns one event, or webhook.ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id string) (webhook.Event, error) {
	var e webhook.Event
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, type, data, occurred_at FROM webhook_events WHERE id = ?`), id).
		Scan(&e.ID, &e.Type, &data, &e.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.Event{}, webhook.ErrNotFound
	}
	if err != nil {
		return webhook.Event{}, err
	}
	if data.Valid {
		e.Data = json.RawMessage(data.String)
	}
	return e, nil
}

const deliveryColumns = `id, webhook_id, event_id, event_type, status, attempt_number,
response_code, response_body, error_message, next_retry_at, sent_at, completed_at, created_at, updated_at`

// SaveDelivery inserts or updates a delivery.
func (s *Store) SaveDelivery(ctx context.Context, d webhook.Delivery) error {
	var nextRetry, sentAt, completedAt sql.NullTime
	if d.NextRetryAt != nil {
		nextRetry = sql.NullTime{Time: *d.NextRetryAt, Valid: true}
	}
	if d.SentAt != nil {
		sentAt = sql.NullTime{Time: *d.SentAt, Valid: true}
	}
	if d.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *d.CompletedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO webhook_deliveries (`+deliveryColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  attempt_number = excluded.attempt_number,
  response_code = excluded.response_code,
  response_body = excluded.response_body,
  error_message = excluded.error_message,
  next_retry_at = excluded.next_retry_at,
  sent_at = excluded.sent_at,
  completed_at = excluded.completed_at,
  updated_at = excluded.updated_at`),
		d.ID, d.WebhookID, d.EventID, d.EventType, string(d.Status), d.AttemptNumber,
		d.ResponseCode, d.ResponseBody, d.ErrorMessage, nextRetry, sentAt, completedAt, d.CreatedAt, d.UpdatedAt)
	return err
}

func scanDelivery(scan func(...any) error) (webhook.Delivery, error) {
	var d webhook.Delivery
	var status string
	var nextRetry, sentAt, completedAt sql.NullTime
	if err := scan(&d.ID, &d.WebhookID, &d.EventID, &d.EventType, &status, &d.AttemptNumber,
		&d.ResponseCode, &d.ResponseBody, &d.ErrorMessage, &nextRetry, &sentAt, &completedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return webhook.Delivery{}, err
	}
	d.Status = webhook.DeliveryStatus(status)
	if nextRetry.Valid {
		t := nextRetry.Time
		d.NextRetryAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time
		d.SentAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}
	return d, nil
}

// GetDelivery returns one delivery, or webhook.ErrNotFound.
func (s *Store) GetDelivery(ctx context.Context, id string) (webhook.Delivery, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`), id)
	d, err := scanDelivery(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.Delivery{}, webhook.ErrNotFound
	}
	return d, err
}

// ListDeliveries returns filtered deliveries, newest first.
func (s *Store) ListDeliveries(ctx context.Context, f webhook.DeliveryFilter, limit, offset int) ([]webhook.Delivery, error) {
	var conds []string
	var args []any
	if f.WebhookID != "" {
		conds = append(conds, "webhook_id = ?")
		args = append(args, f.WebhookID)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+deliveryColumns+` FROM webhook_deliveries`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []webhook.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
