package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flashclaw/flashclaw/internal/storage"
	"github.com/flashclaw/flashclaw/pkg/models"
)

type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]string
	errs    map[string]error
	runs    []string
	block   chan struct{}
}

func (f *fakeExecutor) ExecuteTask(ctx context.Context, task *models.ScheduledTask) (string, error) {
	f.mu.Lock()
	f.runs = append(f.runs, task.ID)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := f.errs[task.ID]; err != nil {
		return "", err
	}
	return f.results[task.ID], nil
}

func (f *fakeExecutor) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func newTestScheduler(t *testing.T, exec *fakeExecutor) (*Scheduler, *storage.MemoryStore, *time.Time) {
	t.Helper()
	store := storage.NewMemoryStore()
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	clock := &now
	s := New(Config{Timezone: time.UTC}, store, exec, WithNow(func() time.Time { return *clock }))
	return s, store, clock
}

func activeTask(id string, typ models.ScheduleType, value string, next time.Time) *models.ScheduledTask {
	return &models.ScheduledTask{
		ID:            id,
		GroupFolder:   "main",
		ChatID:        "chat-1",
		Prompt:        "do the thing",
		ScheduleType:  typ,
		ScheduleValue: value,
		Status:        models.TaskStatusActive,
		NextRun:       &next,
		MaxRetries:    3,
	}
}

func TestCreateTaskComputesFirstRun(t *testing.T) {
	s, _, clock := newTestScheduler(t, &fakeExecutor{})
	now := *clock

	task, err := s.CreateTask(context.Background(), &models.ScheduledTask{
		GroupFolder: "main", Prompt: "p",
		ScheduleType: models.ScheduleInterval, ScheduleValue: "60000",
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.ID == "" {
		t.Error("expected generated id")
	}
	if task.NextRun == nil || !task.NextRun.Equal(now.Add(time.Minute)) {
		t.Errorf("NextRun = %v, want %v", task.NextRun, now.Add(time.Minute))
	}
	if task.MaxRetries != models.DefaultMaxRetries || task.ContextMode != models.ContextModeGroup {
		t.Errorf("defaults = %+v", task)
	}
}

func TestCreateTaskRejectsPastOnce(t *testing.T) {
	s, _, _ := newTestScheduler(t, &fakeExecutor{})
	_, err := s.CreateTask(context.Background(), &models.ScheduledTask{
		GroupFolder: "main", Prompt: "p",
		ScheduleType: models.ScheduleOnce, ScheduleValue: "2026-01-01T00:00:00Z",
	})
	if err == nil || !strings.Contains(err.Error(), "past") {
		t.Fatalf("err = %v, want past-time rejection", err)
	}
}

func TestOnceTaskCompletesAfterSuccess(t *testing.T) {
	exec := &fakeExecutor{results: map[string]string{"t1": "done"}}
	s, store, clock := newTestScheduler(t, exec)
	due := clock.Add(-time.Second)
	if err := store.CreateTask(context.Background(), activeTask("t1", models.ScheduleOnce, clock.Format(time.RFC3339), due)); err != nil {
		t.Fatal(err)
	}

	s.runTask(context.Background(), "t1")

	task, err := store.GetTaskByID(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != models.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
	if task.NextRun != nil {
		t.Error("completed once-task must have no next run")
	}
	if task.LastResult != "done" {
		t.Errorf("last result = %q", task.LastResult)
	}
}

func TestRecurringTaskReschedules(t *testing.T) {
	exec := &fakeExecutor{results: map[string]string{"t1": "ok"}}
	s, store, clock := newTestScheduler(t, exec)
	due := clock.Add(-time.Second)
	if err := store.CreateTask(context.Background(), activeTask("t1", models.ScheduleInterval, "30000", due)); err != nil {
		t.Fatal(err)
	}

	s.runTask(context.Background(), "t1")

	task, _ := store.GetTaskByID(context.Background(), "t1")
	if task.Status != models.TaskStatusActive {
		t.Errorf("status = %s, want active", task.Status)
	}
	want := clock.Add(30 * time.Second)
	if task.NextRun == nil || !task.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want %v", task.NextRun, want)
	}
}

func TestFailureBacksOffExponentially(t *testing.T) {
	exec := &fakeExecutor{errs: map[string]error{"t1": errors.New("boom")}}
	s, store, clock := newTestScheduler(t, exec)
	due := clock.Add(-time.Second)
	task := activeTask("t1", models.ScheduleInterval, "30000", due)
	task.MaxRetries = 5
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	s.runTask(context.Background(), "t1")
	got, _ := store.GetTaskByID(context.Background(), "t1")
	if got.RetryCount != 1 {
		t.Fatalf("retry = %d, want 1", got.RetryCount)
	}
	if want := clock.Add(time.Minute); got.NextRun == nil || !got.NextRun.Equal(want) {
		t.Errorf("first backoff NextRun = %v, want %v", got.NextRun, want)
	}

	// Second failure doubles the delay.
	*clock = clock.Add(time.Minute)
	s.runTask(context.Background(), "t1")
	got, _ = store.GetTaskByID(context.Background(), "t1")
	if got.RetryCount != 2 {
		t.Fatalf("retry = %d, want 2", got.RetryCount)
	}
	if want := clock.Add(2 * time.Minute); got.NextRun == nil || !got.NextRun.Equal(want) {
		t.Errorf("second backoff NextRun = %v, want %v", got.NextRun, want)
	}
}

func TestExhaustedOnceTaskCompletes(t *testing.T) {
	exec := &fakeExecutor{errs: map[string]error{"t1": errors.New("boom")}}
	s, store, clock := newTestScheduler(t, exec)
	due := clock.Add(-time.Second)
	task := activeTask("t1", models.ScheduleOnce, clock.Format(time.RFC3339), due)
	task.MaxRetries = 1
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	s.runTask(context.Background(), "t1")

	got, _ := store.GetTaskByID(context.Background(), "t1")
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("status = %s, want completed after exhausted retries", got.Status)
	}
	if got.NextRun != nil {
		t.Error("exhausted once-task must carry no next run")
	}
}

func TestExhaustedRecurringTaskResets(t *testing.T) {
	exec := &fakeExecutor{errs: map[string]error{"t1": errors.New("boom")}}
	s, store, clock := newTestScheduler(t, exec)
	due := clock.Add(-time.Second)
	task := activeTask("t1", models.ScheduleInterval, "30000", due)
	task.MaxRetries = 1
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	s.runTask(context.Background(), "t1")

	got, _ := store.GetTaskByID(context.Background(), "t1")
	if got.Status != models.TaskStatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry = %d, want reset to 0", got.RetryCount)
	}
	if want := clock.Add(30 * time.Second); got.NextRun == nil || !got.NextRun.Equal(want) {
		t.Errorf("NextRun = %v, want normal next occurrence %v", got.NextRun, want)
	}
}

func TestRunTaskSkipsPausedAfterReRead(t *testing.T) {
	exec := &fakeExecutor{}
	s, store, clock := newTestScheduler(t, exec)
	due := clock.Add(-time.Second)
	task := activeTask("t1", models.ScheduleInterval, "30000", due)
	task.Status = models.TaskStatusPaused
	task.NextRun = nil
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	s.runTask(context.Background(), "t1")

	if exec.runCount() != 0 {
		t.Error("paused task must not execute")
	}
}

func TestPauseResumeCancel(t *testing.T) {
	s, store, clock := newTestScheduler(t, &fakeExecutor{})
	next := clock.Add(time.Hour)
	if err := store.CreateTask(context.Background(), activeTask("t1", models.ScheduleInterval, "60000", next)); err != nil {
		t.Fatal(err)
	}

	if err := s.PauseTask(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	task, _ := store.GetTaskByID(context.Background(), "t1")
	if task.Status != models.TaskStatusPaused || task.NextRun != nil {
		t.Errorf("paused task = %+v", task)
	}
	if err := s.PauseTask(context.Background(), "t1"); err == nil {
		t.Error("double pause accepted")
	}

	if err := s.ResumeTask(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	task, _ = store.GetTaskByID(context.Background(), "t1")
	if task.Status != models.TaskStatusActive || task.NextRun == nil {
		t.Errorf("resumed task = %+v", task)
	}

	if err := s.CancelTask(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetTaskByID(context.Background(), "t1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("cancelled task still present: %v", err)
	}
}

func TestArmDelayClamps(t *testing.T) {
	s, store, clock := newTestScheduler(t, &fakeExecutor{})
	ctx := context.Background()

	if got := s.armDelay(ctx); got != maxTimerDelay {
		t.Errorf("no tasks: delay = %v, want max", got)
	}

	past := clock.Add(-time.Hour)
	if err := store.CreateTask(ctx, activeTask("t1", models.ScheduleInterval, "1000", past)); err != nil {
		t.Fatal(err)
	}
	if got := s.armDelay(ctx); got != 0 {
		t.Errorf("overdue: delay = %v, want 0", got)
	}

	far := clock.Add(10000 * time.Hour)
	if err := store.UpdateTask(ctx, activeTask("t1", models.ScheduleInterval, "1000", far)); err != nil {
		t.Fatal(err)
	}
	if got := s.armDelay(ctx); got != maxTimerDelay {
		t.Errorf("far future: delay = %v, want clamp to max", got)
	}
}

func TestSchedulerRunsDueTaskEndToEnd(t *testing.T) {
	exec := &fakeExecutor{results: map[string]string{}}
	store := storage.NewMemoryStore()
	s := New(Config{Timezone: time.UTC}, store, exec)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if _, err := s.CreateTask(context.Background(), &models.ScheduledTask{
		GroupFolder: "main", Prompt: "p",
		ScheduleType: models.ScheduleInterval, ScheduleValue: "10",
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for exec.runCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("task never executed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestListTasksFiltersByGroup(t *testing.T) {
	s, store, clock := newTestScheduler(t, &fakeExecutor{})
	next := clock.Add(time.Hour)
	a := activeTask("a", models.ScheduleInterval, "1000", next)
	b := activeTask("b", models.ScheduleInterval, "1000", next)
	b.GroupFolder = "side"
	for _, task := range []*models.ScheduledTask{a, b} {
		if err := store.CreateTask(context.Background(), task); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListTasks(context.Background(), "side")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("ListTasks(side) = %+v", got)
	}
	all, _ := s.ListTasks(context.Background(), "")
	if len(all) != 2 {
		t.Errorf("ListTasks(all) = %d, want 2", len(all))
	}
}

func TestNextRunTimeCron(t *testing.T) {
	from := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	next, err := NextRunTime(models.ScheduleCron, "0 9 * * *", from, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	if once, err := NextRunTime(models.ScheduleOnce, "whatever", from, time.UTC); err != nil || once != nil {
		t.Errorf("once recurrence = %v, %v, want nil, nil", once, err)
	}
}
