// Package api exposes the HTTP surface: webhook management, event
// triggering, DLQ operations, schedules and metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"conductor/internal/backoff"
	"conductor/internal/dlq"
	"conductor/internal/executor"
	"conductor/internal/metrics"
	"conductor/internal/retry"
	"conductor/internal/schedule"
	"conductor/internal/webhook"
)

// Server wires the services into a chi router.
type Server struct {
	r          *chi.Mux
	webhooks   *webhook.Service
	deadLetter *dlq.DeadLetter
	schedules  *schedule.Service
	retries    *retry.Scheduler
	engine     *retry.Engine
	tasks      *executor.Registry
	metrics    *metrics.Collector
}

// Deps are the services the router exposes.
type Deps struct {
	Webhooks    *webhook.Service
	DeadLetter  *dlq.DeadLetter
	Schedules   *schedule.Service
	Retries     *retry.Scheduler
	RetryEngine *retry.Engine
	Tasks       *executor.Registry
	Metrics     *metrics.Collector
}

// NewServer builds the router over the given services.
func NewServer(d Deps) http.Handler {
	return NewServerWithDebug(d, false)
}

// NewServerWithDebug additionally mounts pprof under /debug.
func NewServerWithDebug(d Deps, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{
		r:          r,
		webhooks:   d.Webhooks,
		deadLetter: d.DeadLetter,
		schedules:  d.Schedules,
		retries:    d.Retries,
		engine:     d.RetryEngine,
		tasks:      d.Tasks,
		metrics:    d.Metrics,
	}
	r.Use(s.measure)

	r.Get("/health", s.health)

	r.Route("/api/v2", func(r chi.Router) {
		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", s.registerWebhook)
			r.Get("/", s.listWebhooks)
			r.Get("/{id}", s.getWebhook)
			r.Put("/{id}", s.updateWebhook)
			r.Delete("/{id}", s.deleteWebhook)
		})
		r.Post("/events", s.triggerEvent)
		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", s.listDeliveries)
			r.Get("/{id}", s.getDelivery)
			r.Post("/{id}/retry", s.retryDelivery)
		})

		r.Route("/retry", func(r chi.Router) {
			r.Post("/", s.createRetry)
			r.Get("/{id}", s.getRetry)
		})

		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", s.listDLQ)
			r.Get("/stats", s.dlqStats)
			r.Post("/cleanup", s.cleanupDLQ)
			r.Post("/resolve", s.batchResolveDLQ)
			r.Get("/{id}", s.getDLQEntry)
			r.Post("/{id}/resolve", s.resolveDLQEntry)
			r.Post("/{id}/resubmit", s.resubmitDLQEntry)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", s.createSchedule)
			r.Get("/", s.listSchedules)
			r.Get("/{id}", s.getSchedule)
			r.Put("/{id}", s.updateSchedule)
			r.Delete("/{id}", s.deleteSchedule)
			r.Get("/{id}/executions", s.listExecutions)
		})

		r.Route("/metrics", func(r chi.Router) {
			r.Get("/", s.allMetrics)
			r.Get("/error-recovery", s.errorRecoveryMetrics)
			r.Get("/scheduler", s.schedulerMetrics)
			r.Get("/webhooks", s.webhookMetrics)
			r.Get("/system", s.systemMetrics)
			r.Post("/reset", s.resetMetrics)
		})
	})

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

// measure feeds request durations and status codes into the collector.
func (s *Server) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.metrics.RecordRequest(time.Since(started), ww.Status())
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// writeError maps service errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, webhook.ErrNotFound), errors.Is(err, dlq.ErrNotFound),
		errors.Is(err, schedule.ErrNotFound), errors.Is(err, retry.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, schedule.ErrInvalidCron), errors.Is(err, schedule.ErrInvalidTimezone),
		errors.Is(err, backoff.ErrUnknownStrategy):
		code = http.StatusBadRequest
	case errors.Is(err, webhook.ErrInvalidState):
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Server) registerWebhook(w http.ResponseWriter, r *http.Request) {
	var p webhook.RegisterParams
	if !decode(w, r, &p) {
		return
	}
	if p.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}
	hook, err := s.webhooks.Register(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.webhooks.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if hooks == nil {
		hooks = []webhook.Webhook{}
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	hook, err := s.webhooks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

func (s *Server) updateWebhook(w http.ResponseWriter, r *http.Request) {
	var p webhook.UpdateParams
	if !decode(w, r, &p) {
		return
	}
	hook, err := s.webhooks.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.webhooks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type triggerEventReq struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *Server) triggerEvent(w http.ResponseWriter, r *http.Request) {
	var req triggerEventReq
	if !decode(w, r, &req) {
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}
	event, deliveries, err := s.webhooks.TriggerEvent(r.Context(), req.Type, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []webhook.Delivery{}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event": event, "deliveries": deliveries})
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	f := webhook.DeliveryFilter{
		WebhookID: r.URL.Query().Get("webhook_id"),
		EventType: r.URL.Query().Get("event_type"),
		Status:    webhook.DeliveryStatus(r.URL.Query().Get("status")),
	}
	list, err := s.webhooks.ListDeliveries(r.Context(), f, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []webhook.Delivery{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.webhooks.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) retryDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.webhooks.RetryDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

type createRetryReq struct {
	TaskID         string               `json:"task_id"`
	Error          string               `json:"error"`
	CurrentAttempt int                  `json:"current_attempt"`
	Policy         backoff.Policy       `json:"policy"`
	Task           *executor.Definition `json:"task,omitempty"`
}

// createRetry registers the task's retry policy, optionally a runnable
// definition, and schedules its first retry attempt.
func (s *Server) createRetry(w http.ResponseWriter, r *http.Request) {
	var req createRetryReq
	if !decode(w, r, &req) {
		return
	}
	if req.TaskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task_id is required"})
		return
	}
	if err := req.Policy.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if req.Task != nil {
		def := *req.Task
		if def.ID == "" {
			def.ID = req.TaskID
		}
		if err := s.tasks.RegisterDefinition(def); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	s.retries.RegisterTaskPolicy(req.TaskID, req.Policy)
	attempt, err := s.engine.CreateAttempt(r.Context(), req.TaskID, req.CurrentAttempt, req.Error, req.Policy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, attempt)
}

func (s *Server) getRetry(w http.ResponseWriter, r *http.Request) {
	attempt, err := s.engine.GetAttempt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	f := dlq.Filter{TaskID: r.URL.Query().Get("task_id")}
	if v := r.URL.Query().Get("resolved"); v != "" {
		resolved := v == "true"
		f.Resolved = &resolved
	}
	entries, err := s.deadLetter.ListEntries(r.Context(), f, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []dlq.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) getDLQEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deadLetter.GetEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type resolveReq struct {
	Notes string `json:"notes"`
}

func (s *Server) resolveDLQEntry(w http.ResponseWriter, r *http.Request) {
	var req resolveReq
	if !decode(w, r, &req) {
		return
	}
	entry, err := s.deadLetter.ResolveEntry(r.Context(), chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type resubmitReq struct {
	TaskDefinition json.RawMessage `json:"task_definition,omitempty"`
}

func (s *Server) resubmitDLQEntry(w http.ResponseWriter, r *http.Request) {
	var req resubmitReq
	if !decode(w, r, &req) {
		return
	}
	entry, err := s.deadLetter.ResubmitEntry(r.Context(), chi.URLParam(r, "id"), req.TaskDefinition)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

type batchResolveReq struct {
	IDs   []string `json:"ids"`
	Notes string   `json:"notes"`
}

func (s *Server) batchResolveDLQ(w http.ResponseWriter, r *http.Request) {
	var req batchResolveReq
	if !decode(w, r, &req) {
		return
	}
	n, err := s.deadLetter.BatchResolve(r.Context(), req.IDs, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resolved": n})
}

type cleanupReq struct {
	RetentionDays int `json:"retention_days"`
}

func (s *Server) cleanupDLQ(w http.ResponseWriter, r *http.Request) {
	var req cleanupReq
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	n, err := s.deadLetter.CleanupResolved(r.Context(), req.RetentionDays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) dlqStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deadLetter.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var p schedule.CreateParams
	if !decode(w, r, &p) {
		return
	}
	if p.CronExpression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cron_expression is required"})
		return
	}
	sched, err := s.schedules.Create(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	f := schedule.Filter{WorkflowID: r.URL.Query().Get("workflow_id")}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true"
		f.Enabled = &enabled
	}
	list, err := s.schedules.List(r.Context(), f, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []schedule.Schedule{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var p schedule.UpdateParams
	if !decode(w, r, &p) {
		return
	}
	sched, err := s.schedules.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	history, err := s.schedules.ExecutionHistory(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []schedule.Execution{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) allMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Aggregated())
}

func (s *Server) errorRecoveryMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.ErrorRecoveryOnly())
}

func (s *Server) schedulerMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.SchedulerOnly())
}

func (s *Server) webhookMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.WebhooksOnly())
}

func (s *Server) systemMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.SystemOnly())
}

func (s *Server) resetMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
