package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu         sync.Mutex
	schedules  map[string]Schedule
	executions []Execution
}

func newFakeStore() *fakeStore {
	return &fakeStore{schedules: make(map[string]Schedule)}
}

func (f *fakeStore) SaveSchedule(_ context.Context, s Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[s.ID] = s
	return nil
}

func (f *fakeStore) GetSchedule(_ context.Context, id string) (Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return Schedule{}, ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) ListSchedules(_ context.Context, filter Filter, limit, offset int) ([]Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Schedule
	for _, s := range f.schedules {
		if filter.Enabled != nil && s.Enabled != *filter.Enabled {
			continue
		}
		if filter.WorkflowID != "" && s.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, s)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) DeleteSchedule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(f.schedules, id)
	return nil
}

func (f *fakeStore) DueSchedules(_ context.Context, now time.Time) ([]Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Schedule
	for _, s := range f.schedules {
		if s.Enabled && s.NextExecutionTime != nil && !s.NextExecutionTime.After(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveExecution(_ context.Context, e Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executions = append(f.executions, e)
	return nil
}

func (f *fakeStore) ListExecutions(_ context.Context, scheduleID string, limit, offset int) ([]Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Execution
	for i := len(f.executions) - 1; i >= 0; i-- {
		if f.executions[i].ScheduleID == scheduleID {
			out = append(out, f.executions[i])
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func TestCreateValidatesCron(t *testing.T) {
	svc := NewService(newFakeStore(), nil)
	ctx := context.Background()

	sched, err := svc.Create(ctx, CreateParams{Name: "nightly", WorkflowID: "wf-1", CronExpression: "0 2 * * *"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sched.ID[:4] != "sch_" {
		t.Errorf("id = %q, want sch_ prefix", sched.ID)
	}
	if !sched.Enabled {
		t.Error("schedules default to enabled")
	}
	if sched.NextExecutionTime == nil {
		t.Fatal("next execution time must be computed on create")
	}
	if got := *sched.NextExecutionTime; got.Hour() != 2 || got.Minute() != 0 {
		t.Errorf("next execution = %v, want 02:00", got)
	}
	if !sched.NextExecutionTime.After(time.Now().Add(-time.Minute)) {
		t.Errorf("next execution %v is in the past", sched.NextExecutionTime)
	}

	if _, err := svc.Create(ctx, CreateParams{CronExpression: "99 * * * *"}); !errors.Is(err, ErrInvalidCron) {
		t.Errorf("err = %v, want ErrInvalidCron", err)
	}
	if _, err := svc.Create(ctx, CreateParams{CronExpression: "* * *"}); !errors.Is(err, ErrInvalidCron) {
		t.Errorf("err = %v, want ErrInvalidCron", err)
	}
}

func TestUpdateRecomputesNextOnCronChange(t *testing.T) {
	svc := NewService(newFakeStore(), nil)
	ctx := context.Background()

	sched, _ := svc.Create(ctx, CreateParams{Name: "s", WorkflowID: "wf-1", CronExpression: "0 2 * * *"})
	before := *sched.NextExecutionTime

	newCron := "30 6 * * *"
	updated, err := svc.Update(ctx, sched.ID, UpdateParams{CronExpression: &newCron})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.CronExpression != newCron {
		t.Errorf("cron = %q", updated.CronExpression)
	}
	if updated.NextExecutionTime == nil || updated.NextExecutionTime.Equal(before) {
		t.Error("next execution time must be recomputed when the cron changes")
	}
	if got := *updated.NextExecutionTime; got.Hour() != 6 || got.Minute() != 30 {
		t.Errorf("next execution = %v, want 06:30", got)
	}

	bad := "bad expr"
	if _, err := svc.Update(ctx, sched.ID, UpdateParams{CronExpression: &bad}); !errors.Is(err, ErrInvalidCron) {
		t.Errorf("err = %v, want ErrInvalidCron", err)
	}

	if _, err := svc.Update(ctx, "sch_missing", UpdateParams{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteSchedule(t *testing.T) {
	svc := NewService(newFakeStore(), nil)
	ctx := context.Background()

	sched, _ := svc.Create(ctx, CreateParams{CronExpression: "* * * * *"})
	if err := svc.Delete(ctx, sched.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete(ctx, sched.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordExecution(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil)
	ctx := context.Background()

	sched, _ := svc.Create(ctx, CreateParams{Name: "s", WorkflowID: "wf-1", CronExpression: "0 2 * * *"})

	exec, err := svc.RecordExecution(ctx, sched.ID, "wf-1", true, "", 250*time.Millisecond)
	if err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if exec.Status != ExecutionSuccess {
		t.Errorf("status = %q", exec.Status)
	}
	if exec.WorkflowID != "wf-1" {
		t.Errorf("workflow id = %q, want wf-1", exec.WorkflowID)
	}
	if exec.DurationMs != 250 {
		t.Errorf("duration = %dms, want 250", exec.DurationMs)
	}
	if got := exec.CompletedAt.Sub(exec.StartedAt); got != 250*time.Millisecond {
		t.Errorf("started/completed span = %v, want 250ms", got)
	}

	after, _ := svc.Get(ctx, sched.ID)
	if after.LastExecutionTime == nil {
		t.Error("last execution time must be set")
	}
	if after.NextExecutionTime == nil || !after.NextExecutionTime.After(time.Now()) {
		t.Error("next execution time must be advanced for enabled schedules")
	}

	// Failed runs record the error.
	exec, err = svc.RecordExecution(ctx, sched.ID, "wf-1", false, "workflow crashed", time.Second)
	if err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if exec.Status != ExecutionFailed || exec.ErrorMessage != "workflow crashed" {
		t.Errorf("execution = %+v", exec)
	}

	if _, err := svc.RecordExecution(ctx, "sch_missing", "wf-1", true, "", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordExecutionDisabledSkipsNext(t *testing.T) {
	svc := NewService(newFakeStore(), nil)
	ctx := context.Background()

	off := false
	sched, _ := svc.Create(ctx, CreateParams{CronExpression: "0 2 * * *", Enabled: &off})
	if _, err := svc.RecordExecution(ctx, sched.ID, "", true, "", 0); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	after, _ := svc.Get(ctx, sched.ID)
	if after.NextExecutionTime != nil {
		t.Error("disabled schedules must not get a next execution time")
	}
}

func TestExecutionHistory(t *testing.T) {
	svc := NewService(newFakeStore(), nil)
	ctx := context.Background()

	sched, _ := svc.Create(ctx, CreateParams{CronExpression: "* * * * *"})
	svc.RecordExecution(ctx, sched.ID, "wf-1", true, "", time.Millisecond)
	svc.RecordExecution(ctx, sched.ID, "wf-1", false, "boom", time.Millisecond)

	history, err := svc.ExecutionHistory(ctx, sched.ID, 0, 0)
	if err != nil {
		t.Fatalf("ExecutionHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}
	if history[0].Status != ExecutionFailed {
		t.Error("history must be newest-first")
	}

	if _, err := svc.ExecutionHistory(ctx, "sch_missing", 0, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestExecutionHistoryKeepsWorkflowAttribution(t *testing.T) {
	svc := NewService(newFakeStore(), nil)
	ctx := context.Background()

	sched, _ := svc.Create(ctx, CreateParams{WorkflowID: "wf-1", CronExpression: "* * * * *"})
	svc.RecordExecution(ctx, sched.ID, sched.WorkflowID, true, "", time.Millisecond)

	wf2 := "wf-2"
	updated, err := svc.Update(ctx, sched.ID, UpdateParams{WorkflowID: &wf2})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	svc.RecordExecution(ctx, sched.ID, updated.WorkflowID, true, "", time.Millisecond)

	history, _ := svc.ExecutionHistory(ctx, sched.ID, 0, 0)
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}
	if history[0].WorkflowID != "wf-2" || history[1].WorkflowID != "wf-1" {
		t.Errorf("workflow ids = %q, %q; old runs must keep their workflow", history[0].WorkflowID, history[1].WorkflowID)
	}
}

func TestCreateWithTimezone(t *testing.T) {
	svc := NewService(newFakeStore(), nil)
	ctx := context.Background()

	sched, err := svc.Create(ctx, CreateParams{CronExpression: "0 2 * * *", Timezone: "America/New_York"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sched.Timezone != "America/New_York" {
		t.Errorf("timezone = %q", sched.Timezone)
	}
	loc, _ := time.LoadLocation("America/New_York")
	if sched.NextExecutionTime == nil {
		t.Fatal("next execution time must be computed on create")
	}
	if got := sched.NextExecutionTime.In(loc); got.Hour() != 2 || got.Minute() != 0 {
		t.Errorf("next execution = %v, want 02:00 New York time", got)
	}

	if _, err := svc.Create(ctx, CreateParams{CronExpression: "* * * * *", Timezone: "Mars/Olympus_Mons"}); !errors.Is(err, ErrInvalidTimezone) {
		t.Errorf("err = %v, want ErrInvalidTimezone", err)
	}
}

func TestUpdateTimezoneRecomputesNext(t *testing.T) {
	svc := NewService(newFakeStore(), nil)
	ctx := context.Background()

	sched, _ := svc.Create(ctx, CreateParams{CronExpression: "0 2 * * *"})

	tz := "UTC"
	updated, err := svc.Update(ctx, sched.ID, UpdateParams{Timezone: &tz})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Timezone != "UTC" {
		t.Errorf("timezone = %q", updated.Timezone)
	}
	if updated.NextExecutionTime == nil {
		t.Fatal("next execution time must be recomputed on timezone change")
	}
	if got := updated.NextExecutionTime.UTC(); got.Hour() != 2 || got.Minute() != 0 {
		t.Errorf("next execution = %v, want 02:00 UTC", got)
	}

	bad := "Not/AZone"
	if _, err := svc.Update(ctx, sched.ID, UpdateParams{Timezone: &bad}); !errors.Is(err, ErrInvalidTimezone) {
		t.Errorf("err = %v, want ErrInvalidTimezone", err)
	}
}

type fakeRunner struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (f *fakeRunner) Run(_ context.Context, workflowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, workflowID)
	return f.err
}

func TestExecutorProcessesDueSchedules(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil)
	runner := &fakeRunner{}
	exec := NewExecutor(svc, runner, time.Minute)
	ctx := context.Background()

	sched, _ := svc.Create(ctx, CreateParams{Name: "s", WorkflowID: "wf-1", CronExpression: "* * * * *"})

	// Force the schedule due, then run one poll cycle directly.
	store.mu.Lock()
	s := store.schedules[sched.ID]
	past := time.Now().Add(-time.Minute)
	s.NextExecutionTime = &past
	store.schedules[sched.ID] = s
	store.mu.Unlock()

	exec.processDueSchedules(ctx, time.Now())

	runner.mu.Lock()
	runs := len(runner.runs)
	runner.mu.Unlock()
	if runs != 1 || runner.runs[0] != "wf-1" {
		t.Fatalf("runs = %v, want one for wf-1", runner.runs)
	}

	after, _ := svc.Get(ctx, sched.ID)
	if after.NextExecutionTime == nil || !after.NextExecutionTime.After(time.Now().Add(-time.Second)) {
		t.Error("next execution time must advance after a run")
	}
	history, _ := svc.ExecutionHistory(ctx, sched.ID, 0, 0)
	if len(history) != 1 || history[0].Status != ExecutionSuccess {
		t.Errorf("history = %+v", history)
	}
}

func TestExecutorRecordsFailure(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil)
	runner := &fakeRunner{err: errors.New("workflow exploded")}
	exec := NewExecutor(svc, runner, time.Minute)
	ctx := context.Background()

	sched, _ := svc.Create(ctx, CreateParams{WorkflowID: "wf-1", CronExpression: "* * * * *"})
	store.mu.Lock()
	s := store.schedules[sched.ID]
	past := time.Now().Add(-time.Minute)
	s.NextExecutionTime = &past
	store.schedules[sched.ID] = s
	store.mu.Unlock()

	exec.processDueSchedules(ctx, time.Now())

	history, _ := svc.ExecutionHistory(ctx, sched.ID, 0, 0)
	if len(history) != 1 || history[0].Status != ExecutionFailed || history[0].ErrorMessage != "workflow exploded" {
		t.Errorf("history = %+v", history)
	}
}
