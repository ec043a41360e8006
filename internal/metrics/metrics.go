// Package metrics collects in-process counters, gauges and histograms for the
// retry, webhook, scheduler and system surfaces. A Collector is constructed
// explicitly and injected into every component that records into it; there is
// no package-level instance.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Counter is a monotonically increasing value.
type Counter struct {
	Value       int64     `json:"value"`
	LastUpdated time.Time `json:"last_updated"`
}

// Gauge is a point-in-time value.
type Gauge struct {
	Value       float64   `json:"value"`
	LastUpdated time.Time `json:"last_updated"`
}

// Histogram summarizes a set of recorded samples. Statistics are computed on
// read from the raw value buffer using nearest-rank percentiles.
type Histogram struct {
	Values  []float64 `json:"values"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Sum     float64   `json:"sum"`
	Count   int       `json:"count"`
	Average float64   `json:"average"`
	P50     float64   `json:"p50"`
	P95     float64   `json:"p95"`
	P99     float64   `json:"p99"`
}

// Window is a reporting window size.
type Window string

const (
	Window1m Window = "1m"
	Window5m Window = "5m"
	Window1h Window = "1h"
)

func (w Window) duration() time.Duration {
	switch w {
	case Window5m:
		return 5 * time.Minute
	case Window1h:
		return time.Hour
	default:
		return time.Minute
	}
}

// TimeWindow is the reported aggregation window. It stamps metadata only:
// raw buffers accumulate until Reset.
type TimeWindow struct {
	Window    Window    `json:"window"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// BreakerState mirrors circuit breaker states for gauge reporting.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrorRecoveryMetrics aggregates the retry subsystem.
type ErrorRecoveryMetrics struct {
	TotalRetries         Counter   `json:"total_retries"`
	SuccessfulRetries    Counter   `json:"successful_retries"`
	FailedRetries        Counter   `json:"failed_retries"`
	AverageRetryDuration Histogram `json:"average_retry_duration"`
	CircuitBreakerStates struct {
		Closed   Gauge `json:"closed"`
		Open     Gauge `json:"open"`
		HalfOpen Gauge `json:"half_open"`
	} `json:"circuit_breaker_states"`
}

// SchedulerMetrics aggregates the schedule subsystem.
type SchedulerMetrics struct {
	TotalSchedules               Counter   `json:"total_schedules"`
	TotalExecutions              Counter   `json:"total_executions"`
	SuccessfulExecutions         Counter   `json:"successful_executions"`
	FailedExecutions             Counter   `json:"failed_executions"`
	AverageExecutionDuration     Histogram `json:"average_execution_duration"`
	NextExecutionTimeDistribution Histogram `json:"next_execution_time_distribution"`
}

// WebhookMetrics aggregates the webhook subsystem.
type WebhookMetrics struct {
	TotalWebhooks           Counter   `json:"total_webhooks"`
	TotalDeliveries         Counter   `json:"total_deliveries"`
	SuccessfulDeliveries    Counter   `json:"successful_deliveries"`
	FailedDeliveries        Counter   `json:"failed_deliveries"`
	RetryCountDistribution  Histogram `json:"retry_count_distribution"`
	AverageDeliveryDuration Histogram `json:"average_delivery_duration"`
}

// SystemMetrics aggregates process-level request metrics.
type SystemMetrics struct {
	ActiveConnections   Gauge     `json:"active_connections"`
	RequestRate         Gauge     `json:"request_rate"`
	ErrorRate           Gauge     `json:"error_rate"`
	AverageResponseTime Histogram `json:"average_response_time"`
}

// Aggregated is the full snapshot returned by Aggregated().
type Aggregated struct {
	Timestamp     time.Time            `json:"timestamp"`
	Window        TimeWindow           `json:"window"`
	ErrorRecovery ErrorRecoveryMetrics `json:"error_recovery"`
	Scheduler     SchedulerMetrics     `json:"scheduler"`
	Webhooks      WebhookMetrics       `json:"webhooks"`
	System        SystemMetrics        `json:"system"`
}

// Event notifies subscribers that a metric was recorded.
type Event struct {
	Name string
	At   time.Time
}

// Collector accumulates raw metric state. All methods are safe for
// concurrent use.
type Collector struct {
	mu sync.Mutex

	retries        int64
	retrySuccesses int64
	retryFailures  int64
	retryDurations []float64
	breakerStates  map[string]BreakerState

	schedules      int64
	executions     int64
	execSuccesses  int64
	execFailures   int64
	execDurations  []float64
	nextExecTimes  []float64

	webhooks          int64
	deliveries        int64
	deliverySuccesses int64
	deliveryFailures  int64
	retryCounts       []float64
	deliveryDurations []float64

	activeConnections float64
	requests          int64
	requestErrors     int64
	responseTimes     []float64

	window    Window
	listeners []func(Event)
}

// NewCollector returns an empty collector with a 1m reporting window.
func NewCollector() *Collector {
	return &Collector{
		breakerStates: make(map[string]BreakerState),
		window:        Window1m,
	}
}

// Subscribe registers a listener invoked after every recording and reset.
// Listeners run synchronously under no lock and must not block.
func (c *Collector) Subscribe(fn func(Event)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Collector) notify(name string) {
	c.mu.Lock()
	listeners := make([]func(Event), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	ev := Event{Name: name, At: time.Now()}
	for _, fn := range listeners {
		fn(ev)
	}
}

// RecordRetryAttempt records one retry execution and its duration.
func (c *Collector) RecordRetryAttempt(duration time.Duration, success bool) {
	c.mu.Lock()
	c.retries++
	c.retryDurations = append(c.retryDurations, durationMs(duration))
	if success {
		c.retrySuccesses++
	} else {
		c.retryFailures++
	}
	c.mu.Unlock()
	c.notify("metric:retry-attempt")
}

// RecordCircuitBreakerState records the current state of one breaker.
func (c *Collector) RecordCircuitBreakerState(id string, state BreakerState) {
	c.mu.Lock()
	c.breakerStates[id] = state
	c.mu.Unlock()
	c.notify("metric:circuit-breaker-state")
}

// RecordScheduleCreated counts a schedule creation.
func (c *Collector) RecordScheduleCreated() {
	c.mu.Lock()
	c.schedules++
	c.mu.Unlock()
	c.notify("metric:schedule-created")
}

// RecordScheduleExecution records one schedule execution and its duration.
func (c *Collector) RecordScheduleExecution(duration time.Duration, success bool) {
	c.mu.Lock()
	c.executions++
	c.execDurations = append(c.execDurations, durationMs(duration))
	if success {
		c.execSuccesses++
	} else {
		c.execFailures++
	}
	c.mu.Unlock()
	c.notify("metric:schedule-execution")
}

// RecordNextExecutionTime records how far in the future the next fire is.
func (c *Collector) RecordNextExecutionTime(until time.Duration) {
	c.mu.Lock()
	c.nextExecTimes = append(c.nextExecTimes, durationMs(until))
	c.mu.Unlock()
	c.notify("metric:next-execution-time")
}

// RecordWebhookCreated counts a webhook registration.
func (c *Collector) RecordWebhookCreated() {
	c.mu.Lock()
	c.webhooks++
	c.mu.Unlock()
	c.notify("metric:webhook-created")
}

// RecordWebhookDelivery records one delivery attempt outcome.
func (c *Collector) RecordWebhookDelivery(duration time.Duration, success bool, retryCount int) {
	c.mu.Lock()
	c.deliveries++
	c.deliveryDurations = append(c.deliveryDurations, durationMs(duration))
	c.retryCounts = append(c.retryCounts, float64(retryCount))
	if success {
		c.deliverySuccesses++
	} else {
		c.deliveryFailures++
	}
	c.mu.Unlock()
	c.notify("metric:webhook-delivery")
}

// RecordRequest records one HTTP request served by the process.
func (c *Collector) RecordRequest(duration time.Duration, statusCode int) {
	c.mu.Lock()
	c.requests++
	c.responseTimes = append(c.responseTimes, durationMs(duration))
	if statusCode >= 400 {
		c.requestErrors++
	}
	c.mu.Unlock()
	c.notify("metric:request")
}

// RecordConnectionChange adjusts the active-connection gauge, clamped at zero.
func (c *Collector) RecordConnectionChange(delta int) {
	c.mu.Lock()
	c.activeConnections = math.Max(0, c.activeConnections+float64(delta))
	c.mu.Unlock()
	c.notify("metric:connection-change")
}

// SetAggregationWindow fixes the window metadata reported by Aggregated.
func (c *Collector) SetAggregationWindow(w Window) {
	c.mu.Lock()
	c.window = w
	c.mu.Unlock()
}

// Aggregated returns the full metrics snapshot.
func (c *Collector) Aggregated() Aggregated {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	return Aggregated{
		Timestamp: now,
		Window: TimeWindow{
			Window:    c.window,
			StartTime: now.Add(-c.window.duration()),
			EndTime:   now,
		},
		ErrorRecovery: c.errorRecoveryLocked(now),
		Scheduler:     c.schedulerLocked(now),
		Webhooks:      c.webhooksLocked(now),
		System:        c.systemLocked(now),
	}
}

// ErrorRecoveryOnly returns the retry-subsystem snapshot.
func (c *Collector) ErrorRecoveryOnly() ErrorRecoveryMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorRecoveryLocked(time.Now())
}

// SchedulerOnly returns the schedule-subsystem snapshot.
func (c *Collector) SchedulerOnly() SchedulerMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schedulerLocked(time.Now())
}

// WebhooksOnly returns the webhook-subsystem snapshot.
func (c *Collector) WebhooksOnly() WebhookMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.webhooksLocked(time.Now())
}

// SystemOnly returns the request-level snapshot.
func (c *Collector) SystemOnly() SystemMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemLocked(time.Now())
}

// Reset clears all raw state.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.retries, c.retrySuccesses, c.retryFailures = 0, 0, 0
	c.retryDurations = nil
	c.breakerStates = make(map[string]BreakerState)
	c.schedules, c.executions, c.execSuccesses, c.execFailures = 0, 0, 0, 0
	c.execDurations, c.nextExecTimes = nil, nil
	c.webhooks, c.deliveries, c.deliverySuccesses, c.deliveryFailures = 0, 0, 0, 0
	c.retryCounts, c.deliveryDurations = nil, nil
	c.activeConnections = 0
	c.requests, c.requestErrors = 0, 0
	c.responseTimes = nil
	c.mu.Unlock()
	c.notify("metrics:reset")
}

func (c *Collector) errorRecoveryLocked(now time.Time) ErrorRecoveryMetrics {
	m := ErrorRecoveryMetrics{
		TotalRetries:         Counter{Value: c.retries, LastUpdated: now},
		SuccessfulRetries:    Counter{Value: c.retrySuccesses, LastUpdated: now},
		FailedRetries:        Counter{Value: c.retryFailures, LastUpdated: now},
		AverageRetryDuration: histogram(c.retryDurations),
	}
	var closed, open, halfOpen float64
	for _, s := range c.breakerStates {
		switch s {
		case BreakerOpen:
			open++
		case BreakerHalfOpen:
			halfOpen++
		default:
			closed++
		}
	}
	m.CircuitBreakerStates.Closed = Gauge{Value: closed, LastUpdated: now}
	m.CircuitBreakerStates.Open = Gauge{Value: open, LastUpdated: now}
	m.CircuitBreakerStates.HalfOpen = Gauge{Value: halfOpen, LastUpdated: now}
	return m
}

func (c *Collector) schedulerLocked(now time.Time) SchedulerMetrics {
	return SchedulerMetrics{
		TotalSchedules:                Counter{Value: c.schedules, LastUpdated: now},
		TotalExecutions:               Counter{Value: c.executions, LastUpdated: now},
		SuccessfulExecutions:          Counter{Value: c.execSuccesses, LastUpdated: now},
		FailedExecutions:              Counter{Value: c.execFailures, LastUpdated: now},
		AverageExecutionDuration:      histogram(c.execDurations),
		NextExecutionTimeDistribution: histogram(c.nextExecTimes),
	}
}

func (c *Collector) webhooksLocked(now time.Time) WebhookMetrics {
	return WebhookMetrics{
		TotalWebhooks:           Counter{Value: c.webhooks, LastUpdated: now},
		TotalDeliveries:         Counter{Value: c.deliveries, LastUpdated: now},
		SuccessfulDeliveries:    Counter{Value: c.deliverySuccesses, LastUpdated: now},
		FailedDeliveries:        Counter{Value: c.deliveryFailures, LastUpdated: now},
		RetryCountDistribution:  histogram(c.retryCounts),
		AverageDeliveryDuration: histogram(c.deliveryDurations),
	}
}

func (c *Collector) systemLocked(now time.Time) SystemMetrics {
	var errorRate float64
	if c.requests > 0 {
		errorRate = float64(c.requestErrors) / float64(c.requests) * 100
	}
	return SystemMetrics{
		ActiveConnections:   Gauge{Value: c.activeConnections, LastUpdated: now},
		RequestRate:         Gauge{Value: float64(c.requests), LastUpdated: now},
		ErrorRate:           Gauge{Value: errorRate, LastUpdated: now},
		AverageResponseTime: histogram(c.responseTimes),
	}
}

// histogram computes summary statistics over values. Empty input yields
// all-zero statistics.
func histogram(values []float64) Histogram {
	if len(values) == 0 {
		return Histogram{Values: []float64{}}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	return Histogram{
		Values:  sorted,
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Sum:     sum,
		Count:   len(sorted),
		Average: sum / float64(len(sorted)),
		P50:     percentile(sorted, 50),
		P95:     percentile(sorted, 95),
		P99:     percentile(sorted, 99),
	}
}

// percentile uses nearest-rank: index = ceil(p/100 * n) - 1, clamped at 0.
func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
