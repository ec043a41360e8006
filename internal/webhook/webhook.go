// Package webhook delivers event notifications to registered HTTP endpoints,
// with HMAC signing and retried delivery on failure.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"conductor/internal/backoff"
)

var (
	// ErrNotFound is returned for operations on unknown webhook or delivery ids.
	ErrNotFound = errors.New("webhook not found")
	// ErrInvalidState is returned when an operation does not apply to the
	// target's current status.
	ErrInvalidState = errors.New("invalid delivery state")
)

// DeliveryStatus is the lifecycle state of one delivery.
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryRetrying DeliveryStatus = "retrying"
)

// Webhook is a registered endpoint subscribed to one or more event types.
type Webhook struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Events      []string          `json:"events"`
	Secret      string            `json:"secret,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Enabled     bool              `json:"enabled"`
	RetryPolicy backoff.Policy    `json:"retry_policy"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Subscribed reports whether the webhook listens for the event type.
func (w Webhook) Subscribed(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Event is one occurrence fanned out to subscribed webhooks.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Delivery is one attempt series of an event to a single webhook. SentAt is
// the time of the most recent attempt; CompletedAt is set only once the
// delivery is terminal.
type Delivery struct {
	ID            string         `json:"id"`
	WebhookID     string         `json:"webhook_id"`
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	Status        DeliveryStatus `json:"status"`
	AttemptNumber int            `json:"attempt_number"`
	ResponseCode  int            `json:"response_code,omitempty"`
	ResponseBody  string         `json:"response_body,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	NextRetryAt   *time.Time     `json:"next_retry_at,omitempty"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// DeliveryFilter narrows delivery listings.
type DeliveryFilter struct {
	WebhookID string
	EventType string
	Status    DeliveryStatus
}

// Store persists webhooks, events and deliveries. Get methods return
// ErrNotFound for unknown ids; listings are newest-first.
type Store interface {
	SaveWebhook(ctx context.Context, w Webhook) error
	GetWebhook(ctx context.Context, id string) (Webhook, error)
	ListWebhooks(ctx context.Context) ([]Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error

	SaveEvent(ctx context.Context, e Event) error
	SaveDelivery(ctx context.Context, d Delivery) error
	GetDelivery(ctx context.Context, id string) (Delivery, error)
	GetEvent(ctx context.Context, id string) (Event, error)
	ListDeliveries(ctx context.Context, f DeliveryFilter, limit, offset int) ([]Delivery, error)
}

// HTTPClient abstracts the outbound client so the composition root can wrap
// it, e.g. with a circuit breaker.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultClient is the plain outbound client used when none is injected.
func DefaultClient() HTTPClient {
	return &http.Client{Timeout: 30 * time.Second}
}

// DefaultRetryPolicy is applied to webhooks registered without one.
func DefaultRetryPolicy() backoff.Policy {
	return backoff.Policy{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Strategy:     backoff.StrategyExponential,
		Multiplier:   2,
	}
}
