package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"conductor/internal/backoff"
	"conductor/internal/metrics"
)

const (
	userAgent       = "Conductor-Webhook/1.0"
	signatureHeader = "X-Conductor-Signature"
	timestampHeader = "X-Conductor-Timestamp"

	// Failed deliveries never retry sooner than this.
	minRetryDelay = 100 * time.Millisecond

	// Endpoint responses are recorded up to this many bytes.
	maxResponseBody = 64 << 10
)

// Service registers webhooks and delivers events to them. Deliveries run
// through an internal queue drained by a single goroutine at a time; retries
// re-enter the queue via timers when their backoff elapses.
type Service struct {
	store   Store
	client  HTTPClient
	metrics *metrics.Collector

	mu           sync.Mutex
	queue        []string // delivery ids
	isProcessing bool
	timers       map[string]*time.Timer
	closed       bool
}

// NewService builds a Service. A nil client falls back to DefaultClient.
func NewService(store Store, client HTTPClient, collector *metrics.Collector) *Service {
	if client == nil {
		client = DefaultClient()
	}
	return &Service{
		store:   store,
		client:  client,
		metrics: collector,
		timers:  make(map[string]*time.Timer),
	}
}

// Close stops pending retry timers. Queued deliveries already draining finish.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// RegisterParams describes a new webhook.
type RegisterParams struct {
	URL         string            `json:"url"`
	Events      []string          `json:"events"`
	Secret      string            `json:"secret,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	RetryPolicy *backoff.Policy   `json:"retry_policy,omitempty"`
}

// Register creates an enabled webhook. Without an explicit retry policy the
// default applies; an explicit one must name a known strategy.
func (s *Service) Register(ctx context.Context, p RegisterParams) (Webhook, error) {
	if p.URL == "" {
		return Webhook{}, fmt.Errorf("webhook url is required")
	}
	policy := DefaultRetryPolicy()
	if p.RetryPolicy != nil {
		policy = *p.RetryPolicy
		if policy.Strategy == "" {
			policy.Strategy = backoff.StrategyExponential
		}
		if err := policy.Validate(); err != nil {
			return Webhook{}, err
		}
	}
	now := time.Now()
	w := Webhook{
		ID:          "wh_" + uuid.NewString(),
		URL:         p.URL,
		Events:      p.Events,
		Secret:      p.Secret,
		Headers:     p.Headers,
		Enabled:     true,
		RetryPolicy: policy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveWebhook(ctx, w); err != nil {
		return Webhook{}, err
	}
	if s.metrics != nil {
		s.metrics.RecordWebhookCreated()
	}
	log.Info().Str("webhook_id", w.ID).Str("url", w.URL).Strs("events", w.Events).Msg("webhook registered")
	return w, nil
}

// Get returns one webhook, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (Webhook, error) {
	return s.store.GetWebhook(ctx, id)
}

// List returns all registered webhooks.
func (s *Service) List(ctx context.Context) ([]Webhook, error) {
	return s.store.ListWebhooks(ctx)
}

// UpdateParams carries partial webhook updates; nil fields are left unchanged.
type UpdateParams struct {
	URL         *string           `json:"url,omitempty"`
	Events      []string          `json:"events,omitempty"`
	Secret      *string           `json:"secret,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	RetryPolicy *backoff.Policy   `json:"retry_policy,omitempty"`
}

// Update applies a partial update and returns the stored result.
func (s *Service) Update(ctx context.Context, id string, p UpdateParams) (Webhook, error) {
	w, err := s.store.GetWebhook(ctx, id)
	if err != nil {
		return Webhook{}, err
	}
	if p.URL != nil {
		w.URL = *p.URL
	}
	if p.Events != nil {
		w.Events = p.Events
	}
	if p.Secret != nil {
		w.Secret = *p.Secret
	}
	if p.Headers != nil {
		w.Headers = p.Headers
	}
	if p.Enabled != nil {
		w.Enabled = *p.Enabled
	}
	if p.RetryPolicy != nil {
		policy := *p.RetryPolicy
		if policy.Strategy == "" {
			policy.Strategy = backoff.StrategyExponential
		}
		if err := policy.Validate(); err != nil {
			return Webhook{}, err
		}
		w.RetryPolicy = policy
	}
	w.UpdatedAt = time.Now()
	if err := s.store.SaveWebhook(ctx, w); err != nil {
		return Webhook{}, err
	}
	return w, nil
}

// Delete removes a webhook. Its past deliveries remain on record.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteWebhook(ctx, id)
}

// TriggerEvent records an event and queues one delivery per enabled webhook
// subscribed to its type. It returns the created deliveries.
func (s *Service) TriggerEvent(ctx context.Context, eventType string, data json.RawMessage) (Event, []Delivery, error) {
	event := Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
	if err := s.store.SaveEvent(ctx, event); err != nil {
		return Event{}, nil, err
	}

	hooks, err := s.store.ListWebhooks(ctx)
	if err != nil {
		return Event{}, nil, err
	}

	var deliveries []Delivery
	for _, w := range hooks {
		if !w.Enabled || !w.Subscribed(eventType) {
			continue
		}
		now := time.Now()
		d := Delivery{
			ID:            "whd_" + uuid.NewString(),
			WebhookID:     w.ID,
			EventID:       event.ID,
			EventType:     eventType,
			Status:        DeliveryPending,
			AttemptNumber: 1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.store.SaveDelivery(ctx, d); err != nil {
			return Event{}, nil, err
		}
		deliveries = append(deliveries, d)
		s.enqueue(d.ID)
	}
	log.Info().Str("event_id", event.ID).Str("type", eventType).Int("deliveries", len(deliveries)).Msg("event triggered")
	return event, deliveries, nil
}

// GetDelivery returns one delivery, or ErrNotFound.
func (s *Service) GetDelivery(ctx context.Context, id string) (Delivery, error) {
	return s.store.GetDelivery(ctx, id)
}

// ListDeliveries returns filtered deliveries, newest first.
func (s *Service) ListDeliveries(ctx context.Context, f DeliveryFilter, limit, offset int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListDeliveries(ctx, f, limit, offset)
}

// RetryDelivery manually re-queues a failed delivery. Only terminal failures
// are retryable; anything else returns ErrInvalidState.
func (s *Service) RetryDelivery(ctx context.Context, id string) (Delivery, error) {
	d, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return Delivery{}, err
	}
	if d.Status != DeliveryFailed {
		return Delivery{}, fmt.Errorf("delivery %s is %s: %w", id, d.Status, ErrInvalidState)
	}
	d.Status = DeliveryRetrying
	d.AttemptNumber++
	d.NextRetryAt = nil
	d.CompletedAt = nil
	d.ErrorMessage = ""
	d.UpdatedAt = time.Now()
	if err := s.store.SaveDelivery(ctx, d); err != nil {
		return Delivery{}, err
	}
	s.enqueue(d.ID)
	return d, nil
}

// enqueue adds a delivery id to the queue and ensures exactly one drain
// goroutine is running.
func (s *Service) enqueue(id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, id)
	start := !s.isProcessing
	if start {
		s.isProcessing = true
	}
	s.mu.Unlock()

	if start {
		go s.drain()
	}
}

func (s *Service) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.isProcessing = false
			s.mu.Unlock()
			return
		}
		id := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.sendDelivery(context.Background(), id)
	}
}

// scheduleRequeue re-enters a retrying delivery when its backoff elapses.
func (s *Service) scheduleRequeue(id string, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		s.enqueue(id)
	})
	s.mu.Unlock()
}

func (s *Service) sendDelivery(ctx context.Context, deliveryID string) {
	d, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		log.Error().Err(err).Str("delivery_id", deliveryID).Msg("queued delivery missing")
		return
	}

	// Not due yet: wait for the backoff instead of spinning on the queue.
	if d.NextRetryAt != nil && d.NextRetryAt.After(time.Now()) {
		s.scheduleRequeue(d.ID, *d.NextRetryAt)
		return
	}

	w, err := s.store.GetWebhook(ctx, d.WebhookID)
	if err != nil {
		now := time.Now()
		d.Status = DeliveryFailed
		d.ErrorMessage = "webhook not found"
		d.CompletedAt = &now
		d.UpdatedAt = now
		if err := s.store.SaveDelivery(ctx, d); err != nil {
			log.Error().Err(err).Str("delivery_id", d.ID).Msg("save delivery failed")
		}
		return
	}

	event, err := s.store.GetEvent(ctx, d.EventID)
	if err != nil {
		s.handleDeliveryFailure(ctx, d, w, 0, "", "event not found: "+err.Error())
		return
	}

	started := time.Now()
	d.SentAt = &started
	code, body, err := s.post(ctx, w, event)
	if err != nil {
		s.recordDelivery(started, false, d.AttemptNumber-1)
		s.handleDeliveryFailure(ctx, d, w, code, body, err.Error())
		return
	}

	now := time.Now()
	d.Status = DeliverySuccess
	d.ResponseCode = code
	d.ResponseBody = body
	d.ErrorMessage = ""
	d.NextRetryAt = nil
	d.CompletedAt = &now
	d.UpdatedAt = now
	if err := s.store.SaveDelivery(ctx, d); err != nil {
		log.Error().Err(err).Str("delivery_id", d.ID).Msg("save delivery failed")
	}
	s.recordDelivery(started, true, d.AttemptNumber-1)
	log.Info().Str("delivery_id", d.ID).Str("webhook_id", w.ID).Int("attempt", d.AttemptNumber).Int("status", code).Msg("webhook delivered")
}

// post sends the event payload. Any status outside 2xx is an error; the
// status code and truncated response body are still returned for the
// delivery record.
func (s *Service) post(ctx context.Context, w Webhook, event Event) (int, string, error) {
	payload := []byte(event.Data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	if w.Secret != "" {
		req.Header.Set(signatureHeader, Sign(payload, w.Secret))
		req.Header.Set(timestampHeader, event.Timestamp.Format(time.RFC3339))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	body := strings.TrimSpace(string(raw))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, body, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, body, nil
}

// handleDeliveryFailure either schedules the next attempt per the webhook's
// retry policy or marks the delivery permanently failed once retries run out.
func (s *Service) handleDeliveryFailure(ctx context.Context, d Delivery, w Webhook, code int, body, errMsg string) {
	d.ResponseCode = code
	d.ResponseBody = body
	d.UpdatedAt = time.Now()

	policy := w.RetryPolicy
	if policy.MaxRetries == 0 && policy.InitialDelay == 0 {
		policy = DefaultRetryPolicy()
	}

	if d.AttemptNumber >= policy.MaxRetries {
		now := time.Now()
		d.Status = DeliveryFailed
		d.ErrorMessage = fmt.Sprintf("max retries exceeded after %d attempts: %s", d.AttemptNumber, errMsg)
		d.NextRetryAt = nil
		d.CompletedAt = &now
		if err := s.store.SaveDelivery(ctx, d); err != nil {
			log.Error().Err(err).Str("delivery_id", d.ID).Msg("save delivery failed")
		}
		log.Warn().Str("delivery_id", d.ID).Str("webhook_id", w.ID).Int("attempts", d.AttemptNumber).Msg("webhook delivery abandoned")
		return
	}

	sched, err := backoff.NextRetry(d.AttemptNumber-1, policy, time.Now())
	if err != nil {
		log.Error().Err(err).Str("webhook_id", w.ID).Msg("stored retry policy is invalid, using default")
		sched, _ = backoff.NextRetry(d.AttemptNumber-1, DefaultRetryPolicy(), time.Now())
	}
	delay := sched.JitteredDelay
	if delay < minRetryDelay {
		delay = minRetryDelay
	}

	next := time.Now().Add(delay)
	d.Status = DeliveryRetrying
	d.ErrorMessage = errMsg
	d.AttemptNumber++
	d.NextRetryAt = &next
	if err := s.store.SaveDelivery(ctx, d); err != nil {
		log.Error().Err(err).Str("delivery_id", d.ID).Msg("save delivery failed")
		return
	}
	log.Warn().Str("delivery_id", d.ID).Str("webhook_id", w.ID).Int("next_attempt", d.AttemptNumber).Dur("delay", delay).Str("error", errMsg).Msg("webhook delivery retry scheduled")
	s.enqueue(d.ID)
}

func (s *Service) recordDelivery(started time.Time, success bool, retries int) {
	if s.metrics != nil {
		s.metrics.RecordWebhookDelivery(time.Since(started), success, retries)
	}
}

// WaitIdle blocks until the queue drains or the timeout elapses. Test helper
// grade; production callers rely on the queue's own pacing.
func (s *Service) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		idle := !s.isProcessing && len(s.queue) == 0
		s.mu.Unlock()
		if idle {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
