package metrics

import (
	"testing"
	"time"
)

func TestHistogramStats(t *testing.T) {
	h := histogram([]float64{50, 100, 150, 200, 250})

	if h.Min != 50 || h.Max != 250 {
		t.Errorf("min/max = %v/%v, want 50/250", h.Min, h.Max)
	}
	if h.Sum != 750 {
		t.Errorf("sum = %v, want 750", h.Sum)
	}
	if h.Count != 5 {
		t.Errorf("count = %d, want 5", h.Count)
	}
	if h.Average != 150 {
		t.Errorf("average = %v, want 150", h.Average)
	}
	if h.P50 != 150 {
		t.Errorf("p50 = %v, want 150", h.P50)
	}
	if h.P95 != 250 || h.P99 != 250 {
		t.Errorf("p95/p99 = %v/%v, want 250/250", h.P95, h.P99)
	}
}

func TestHistogramEmpty(t *testing.T) {
	h := histogram(nil)
	if h.Min != 0 || h.Max != 0 || h.Sum != 0 || h.Count != 0 || h.Average != 0 ||
		h.P50 != 0 || h.P95 != 0 || h.P99 != 0 {
		t.Errorf("empty histogram should be all zero, got %+v", h)
	}
}

func TestHistogramSingleValue(t *testing.T) {
	h := histogram([]float64{42})
	if h.P50 != 42 || h.P95 != 42 || h.P99 != 42 || h.Average != 42 {
		t.Errorf("single-value percentiles wrong: %+v", h)
	}
}

func TestRecordRetryAttempt(t *testing.T) {
	c := NewCollector()
	c.RecordRetryAttempt(100*time.Millisecond, true)
	c.RecordRetryAttempt(200*time.Millisecond, false)
	c.RecordRetryAttempt(300*time.Millisecond, true)

	m := c.ErrorRecoveryOnly()
	if m.TotalRetries.Value != 3 {
		t.Errorf("total = %d, want 3", m.TotalRetries.Value)
	}
	if m.SuccessfulRetries.Value != 2 || m.FailedRetries.Value != 1 {
		t.Errorf("success/fail = %d/%d, want 2/1", m.SuccessfulRetries.Value, m.FailedRetries.Value)
	}
	if m.AverageRetryDuration.Average != 200 {
		t.Errorf("avg duration = %v ms, want 200", m.AverageRetryDuration.Average)
	}
}

func TestRecordWebhookDelivery(t *testing.T) {
	c := NewCollector()
	c.RecordWebhookCreated()
	c.RecordWebhookDelivery(50*time.Millisecond, true, 0)
	c.RecordWebhookDelivery(150*time.Millisecond, false, 2)

	m := c.WebhooksOnly()
	if m.TotalWebhooks.Value != 1 || m.TotalDeliveries.Value != 2 {
		t.Errorf("webhooks/deliveries = %d/%d, want 1/2", m.TotalWebhooks.Value, m.TotalDeliveries.Value)
	}
	if m.SuccessfulDeliveries.Value != 1 || m.FailedDeliveries.Value != 1 {
		t.Errorf("success/fail = %d/%d", m.SuccessfulDeliveries.Value, m.FailedDeliveries.Value)
	}
	if m.RetryCountDistribution.Max != 2 {
		t.Errorf("retry count max = %v, want 2", m.RetryCountDistribution.Max)
	}
}

func TestRecordScheduleExecution(t *testing.T) {
	c := NewCollector()
	c.RecordScheduleCreated()
	c.RecordScheduleExecution(time.Second, true)
	c.RecordScheduleExecution(2*time.Second, false)

	m := c.SchedulerOnly()
	if m.TotalSchedules.Value != 1 || m.TotalExecutions.Value != 2 {
		t.Errorf("schedules/executions = %d/%d", m.TotalSchedules.Value, m.TotalExecutions.Value)
	}
	if m.SuccessfulExecutions.Value != 1 || m.FailedExecutions.Value != 1 {
		t.Errorf("success/fail = %d/%d", m.SuccessfulExecutions.Value, m.FailedExecutions.Value)
	}
}

func TestCircuitBreakerGauges(t *testing.T) {
	c := NewCollector()
	c.RecordCircuitBreakerState("svc-a", BreakerClosed)
	c.RecordCircuitBreakerState("svc-b", BreakerOpen)
	c.RecordCircuitBreakerState("svc-c", BreakerHalfOpen)
	c.RecordCircuitBreakerState("svc-b", BreakerHalfOpen) // state change overwrites

	m := c.ErrorRecoveryOnly()
	if m.CircuitBreakerStates.Closed.Value != 1 {
		t.Errorf("closed = %v, want 1", m.CircuitBreakerStates.Closed.Value)
	}
	if m.CircuitBreakerStates.Open.Value != 0 {
		t.Errorf("open = %v, want 0", m.CircuitBreakerStates.Open.Value)
	}
	if m.CircuitBreakerStates.HalfOpen.Value != 2 {
		t.Errorf("half-open = %v, want 2", m.CircuitBreakerStates.HalfOpen.Value)
	}
}

func TestActiveConnectionsNeverNegative(t *testing.T) {
	c := NewCollector()
	c.RecordConnectionChange(2)
	c.RecordConnectionChange(-5)
	if v := c.SystemOnly().ActiveConnections.Value; v != 0 {
		t.Errorf("active connections = %v, want 0", v)
	}
	c.RecordConnectionChange(3)
	if v := c.SystemOnly().ActiveConnections.Value; v != 3 {
		t.Errorf("active connections = %v, want 3", v)
	}
}

func TestErrorRate(t *testing.T) {
	c := NewCollector()
	c.RecordRequest(10*time.Millisecond, 200)
	c.RecordRequest(10*time.Millisecond, 500)
	c.RecordRequest(10*time.Millisecond, 404)
	c.RecordRequest(10*time.Millisecond, 201)

	if rate := c.SystemOnly().ErrorRate.Value; rate != 50 {
		t.Errorf("error rate = %v, want 50", rate)
	}
}

func TestAggregationWindowMetadata(t *testing.T) {
	c := NewCollector()
	c.SetAggregationWindow(Window5m)

	agg := c.Aggregated()
	if agg.Window.Window != Window5m {
		t.Errorf("window = %q, want 5m", agg.Window.Window)
	}
	if span := agg.Window.EndTime.Sub(agg.Window.StartTime); span != 5*time.Minute {
		t.Errorf("window span = %v, want 5m", span)
	}
}

func TestReset(t *testing.T) {
	c := NewCollector()
	c.RecordRetryAttempt(time.Millisecond, true)
	c.RecordWebhookCreated()
	c.RecordScheduleCreated()
	c.RecordConnectionChange(4)

	var events []string
	c.Subscribe(func(ev Event) { events = append(events, ev.Name) })
	c.Reset()

	agg := c.Aggregated()
	if agg.ErrorRecovery.TotalRetries.Value != 0 ||
		agg.Webhooks.TotalWebhooks.Value != 0 ||
		agg.Scheduler.TotalSchedules.Value != 0 ||
		agg.System.ActiveConnections.Value != 0 {
		t.Error("reset did not clear all state")
	}
	if len(events) != 1 || events[0] != "metrics:reset" {
		t.Errorf("expected reset notification, got %v", events)
	}
}

func TestSubscribeNotifications(t *testing.T) {
	c := NewCollector()
	var got []string
	c.Subscribe(func(ev Event) { got = append(got, ev.Name) })

	c.RecordRetryAttempt(time.Millisecond, true)
	c.RecordWebhookDelivery(time.Millisecond, true, 0)

	want := []string{"metric:retry-attempt", "metric:webhook-delivery"}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
