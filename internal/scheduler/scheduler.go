// Package scheduler runs scheduled tasks off a single armed timer. The
// timer always points at the earliest active next_run; task creation
// and external events re-arm it through Wake.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/flashclaw/flashclaw/internal/metrics"
	"github.com/flashclaw/flashclaw/internal/storage"
	"github.com/flashclaw/flashclaw/pkg/models"
)

const (
	// maxTimerDelay keeps the arm delay inside a 32-bit millisecond
	// range; longer horizons are covered by re-arming on wake.
	maxTimerDelay = time.Duration(1<<31-1) * time.Millisecond

	retryBaseDelay = time.Minute
	maxRetryDelay  = time.Hour

	maxResultChars = 200
)

// Executor runs one task's prompt through the agent.
type Executor interface {
	ExecuteTask(ctx context.Context, task *models.ScheduledTask) (string, error)
}

// Config tunes the scheduler.
type Config struct {
	MaxConcurrent int
	Timezone      *time.Location
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 3, Timezone: time.Local}
}

func (c *Config) sanitize() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.Timezone == nil {
		c.Timezone = time.Local
	}
}

// Scheduler owns task lifecycle and the run loop.
type Scheduler struct {
	config   Config
	store    storage.TaskStore
	executor Executor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	wake chan struct{}
	sem  chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	inRun   sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics attaches the metrics instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New builds a scheduler over a task store and executor.
func New(cfg Config, store storage.TaskStore, executor Executor, opts ...Option) *Scheduler {
	cfg.sanitize()
	s := &Scheduler{
		config:   cfg,
		store:    store,
		executor: executor,
		logger:   slog.Default(),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Start launches the run loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "max_concurrent", s.config.MaxConcurrent)
	return nil
}

// Stop halts the loop and waits for in-flight task runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.inRun.Wait()
	s.logger.Info("scheduler stopped")
}

// Wake re-arms the timer immediately, typically after a task create.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	timer := time.NewTimer(maxTimerDelay)
	defer timer.Stop()

	for {
		delay := s.armDelay(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(delay)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runDue(ctx)
		case <-s.wake:
			// recompute the arm delay
		}
	}
}

// armDelay computes the time until the earliest active next_run,
// clamped to [0, maxTimerDelay].
func (s *Scheduler) armDelay(ctx context.Context) time.Duration {
	next, err := s.store.GetNextWakeTime(ctx)
	if err != nil {
		s.logger.Warn("failed to read next wake time", "error", err)
		return maxTimerDelay
	}
	if next == nil {
		return maxTimerDelay
	}
	delay := next.Sub(s.now())
	if delay < 0 {
		return 0
	}
	if delay > maxTimerDelay {
		return maxTimerDelay
	}
	return delay
}

func (s *Scheduler) runDue(ctx context.Context) {
	due, err := s.store.GetDueTasks(ctx, s.now())
	if err != nil {
		s.logger.Warn("failed to read due tasks", "error", err)
		return
	}
	for _, task := range due {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.inRun.Add(1)
		go func(id string) {
			defer func() {
				<-s.sem
				s.inRun.Done()
			}()
			s.runTask(ctx, id)
		}(task.ID)
	}
}

// runTask re-reads the task before execution so a pause or cancel that
// landed after the due query is honored.
func (s *Scheduler) runTask(ctx context.Context, id string) {
	task, err := s.store.GetTaskByID(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to re-read task", "task", id, "error", err)
		}
		return
	}
	now := s.now()
	if task.Status != models.TaskStatusActive || task.NextRun == nil || task.NextRun.After(now) {
		return
	}

	s.logger.Info("running task", "task", task.ID, "group", task.GroupFolder)
	runCtx, cancel := context.WithTimeout(ctx, task.Timeout())
	start := now
	result, execErr := s.executor.ExecuteTask(runCtx, task)
	cancel()
	elapsed := s.now().Sub(start)

	if execErr != nil {
		s.handleFailure(ctx, task, execErr, elapsed)
		return
	}
	s.handleSuccess(ctx, task, result, elapsed)
}

func (s *Scheduler) handleSuccess(ctx context.Context, task *models.ScheduledTask, result string, elapsed time.Duration) {
	now := s.now()
	next, err := NextRunTime(task.ScheduleType, task.ScheduleValue, now, s.config.Timezone)
	if err != nil {
		s.logger.Error("failed to compute next run", "task", task.ID, "error", err)
		next = nil
	}
	status := models.TaskStatusActive
	if next == nil {
		status = models.TaskStatusCompleted
	}
	if err := s.store.ResetTaskRetry(ctx, task.ID); err != nil {
		s.logger.Warn("failed to reset retry count", "task", task.ID, "error", err)
	}
	if err := s.store.UpdateTaskAfterRun(ctx, task.ID, now, next, truncateResult(result), status); err != nil {
		s.logger.Error("failed to record task run", "task", task.ID, "error", err)
	}
	s.logRun(ctx, &models.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      now,
		Status:     models.TaskRunSuccess,
		Result:     truncateResult(result),
		DurationMs: elapsed.Milliseconds(),
	})
	s.count("success")
	s.Wake()
}

func (s *Scheduler) handleFailure(ctx context.Context, task *models.ScheduledTask, execErr error, elapsed time.Duration) {
	now := s.now()
	runStatus := models.TaskRunFailure
	if errors.Is(execErr, context.DeadlineExceeded) {
		runStatus = models.TaskRunTimeout
	}
	s.logger.Warn("task run failed",
		"task", task.ID, "retry", task.RetryCount+1, "max_retries", task.MaxRetries, "error", execErr)

	retry := task.RetryCount + 1
	if retry >= task.MaxRetries {
		// Retries exhausted: once-tasks finish, recurring tasks start a
		// fresh cycle at their normal next occurrence.
		if task.ScheduleType == models.ScheduleOnce {
			if err := s.store.UpdateTaskAfterRun(ctx, task.ID, now, nil, truncateResult(execErr.Error()), models.TaskStatusCompleted); err != nil {
				s.logger.Error("failed to complete exhausted task", "task", task.ID, "error", err)
			}
		} else {
			next, nextErr := NextRunTime(task.ScheduleType, task.ScheduleValue, now, s.config.Timezone)
			if nextErr != nil {
				s.logger.Error("failed to compute next run", "task", task.ID, "error", nextErr)
			}
			if err := s.store.ResetTaskRetry(ctx, task.ID); err != nil {
				s.logger.Warn("failed to reset retry count", "task", task.ID, "error", err)
			}
			if err := s.store.UpdateTaskAfterRun(ctx, task.ID, now, next, truncateResult(execErr.Error()), models.TaskStatusActive); err != nil {
				s.logger.Error("failed to record failed run", "task", task.ID, "error", err)
			}
		}
	} else {
		backoff := retryBaseDelay << (retry - 1)
		if backoff > maxRetryDelay {
			backoff = maxRetryDelay
		}
		nextRun := now.Add(backoff)
		if err := s.store.UpdateTaskRetry(ctx, task.ID, retry, &nextRun); err != nil {
			s.logger.Error("failed to schedule retry", "task", task.ID, "error", err)
		}
	}

	s.logRun(ctx, &models.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      now,
		Status:     runStatus,
		Error:      execErr.Error(),
		DurationMs: elapsed.Milliseconds(),
	})
	s.count(string(runStatus))
	s.Wake()
}

func (s *Scheduler) logRun(ctx context.Context, log *models.TaskRunLog) {
	if err := s.store.LogTaskRun(ctx, log); err != nil {
		s.logger.Warn("failed to log task run", "task", log.TaskID, "error", err)
	}
}

func (s *Scheduler) count(status string) {
	if s.metrics != nil {
		s.metrics.SchedulerRunsTotal.WithLabelValues(status).Inc()
	}
}

// CreateTask validates the schedule, computes the first next_run,
// stores the task and re-arms the timer.
func (s *Scheduler) CreateTask(ctx context.Context, task *models.ScheduledTask) (*models.ScheduledTask, error) {
	if task.Prompt == "" || len(task.Prompt) > models.MaxTaskPromptChars {
		return nil, fmt.Errorf("prompt must be 1..%d characters", models.MaxTaskPromptChars)
	}
	now := s.now()
	first, err := firstRunTime(task.ScheduleType, task.ScheduleValue, now, s.config.Timezone)
	if err != nil {
		return nil, err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.ContextMode == "" {
		task.ContextMode = models.ContextModeGroup
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = models.DefaultMaxRetries
	}
	task.Status = models.TaskStatusActive
	task.NextRun = first
	task.RetryCount = 0
	task.CreatedAt = now
	task.UpdatedAt = now
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.logger.Info("task created",
		"task", task.ID, "type", task.ScheduleType, "next_run", first)
	s.Wake()
	return task, nil
}

// ListTasks returns tasks for one group folder; empty folder lists all.
func (s *Scheduler) ListTasks(ctx context.Context, groupFolder string) ([]*models.ScheduledTask, error) {
	all, err := s.store.GetAllTasks(ctx)
	if err != nil {
		return nil, err
	}
	if groupFolder == "" {
		return all, nil
	}
	out := make([]*models.ScheduledTask, 0, len(all))
	for _, t := range all {
		if t.GroupFolder == groupFolder {
			out = append(out, t)
		}
	}
	return out, nil
}

// TaskGroup returns the owning group folder of a task.
func (s *Scheduler) TaskGroup(ctx context.Context, taskID string) (string, error) {
	task, err := s.store.GetTaskByID(ctx, taskID)
	if err != nil {
		return "", err
	}
	return task.GroupFolder, nil
}

// PauseTask suspends an active task. Paused tasks carry no next_run.
func (s *Scheduler) PauseTask(ctx context.Context, taskID string) error {
	task, err := s.store.GetTaskByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusActive {
		return fmt.Errorf("task %s is %s, not active", taskID, task.Status)
	}
	task.Status = models.TaskStatusPaused
	task.NextRun = nil
	task.UpdatedAt = s.now()
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	s.Wake()
	return nil
}

// ResumeTask reactivates a paused task with a freshly computed next_run.
func (s *Scheduler) ResumeTask(ctx context.Context, taskID string) error {
	task, err := s.store.GetTaskByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusPaused {
		return fmt.Errorf("task %s is %s, not paused", taskID, task.Status)
	}
	now := s.now()
	next, err := firstRunTime(task.ScheduleType, task.ScheduleValue, now, s.config.Timezone)
	if err != nil {
		return fmt.Errorf("cannot resume task %s: %w", taskID, err)
	}
	task.Status = models.TaskStatusActive
	task.NextRun = next
	task.RetryCount = 0
	task.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	s.Wake()
	return nil
}

// CancelTask deletes a task outright.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) error {
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	s.Wake()
	return nil
}

// cronParser matches the IPC-side validation: 5-field expressions plus
// @descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRunTime computes the run after from for a recurring schedule;
// once-tasks return nil (they do not recur).
func NextRunTime(t models.ScheduleType, value string, from time.Time, loc *time.Location) (*time.Time, error) {
	switch t {
	case models.ScheduleCron:
		schedule, err := cronParser.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		if loc == nil {
			loc = time.Local
		}
		next := schedule.Next(from.In(loc))
		return &next, nil
	case models.ScheduleInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("interval must be a positive millisecond count, got %q", value)
		}
		next := from.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case models.ScheduleOnce:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", t)
	}
}

// firstRunTime computes the initial next_run at create/resume time.
// Unlike NextRunTime, once-tasks resolve to their instant, which must
// be in the future.
func firstRunTime(t models.ScheduleType, value string, now time.Time, loc *time.Location) (*time.Time, error) {
	if t == models.ScheduleOnce {
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, fmt.Errorf("invalid once time %q: %w", value, err)
		}
		if !at.After(now) {
			return nil, fmt.Errorf("once time %s is in the past", value)
		}
		return &at, nil
	}
	return NextRunTime(t, value, now, loc)
}

func truncateResult(s string) string {
	runes := []rune(s)
	if len(runes) <= maxResultChars {
		return s
	}
	return string(runes[:maxResultChars])
}
