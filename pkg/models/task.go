package models

import "time"

// ScheduleType tells the scheduler how to interpret ScheduleValue.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"     // cron expression
	ScheduleInterval ScheduleType = "interval" // milliseconds between runs
	ScheduleOnce     ScheduleType = "once"     // ISO-8601 instant
)

// ContextMode controls which memory scope a scheduled run sees.
type ContextMode string

const (
	ContextModeGroup    ContextMode = "group"
	ContextModeIsolated ContextMode = "isolated"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
)

// Task limits.
const (
	MaxTaskPromptChars = 10000
	DefaultMaxRetries  = 3
	DefaultTaskTimeout = 300000 * time.Millisecond
)

// ScheduledTask is an unattended agent invocation. NextRun is non-nil
// exactly while Status is active.
type ScheduledTask struct {
	ID            string       `json:"id"`
	GroupFolder   string       `json:"group_folder"`
	ChatID        string       `json:"chat_id"`
	Prompt        string       `json:"prompt"`
	ScheduleType  ScheduleType `json:"schedule_type"`
	ScheduleValue string       `json:"schedule_value"`
	ContextMode   ContextMode  `json:"context_mode"`
	NextRun       *time.Time   `json:"next_run,omitempty"`
	LastRun       *time.Time   `json:"last_run,omitempty"`
	LastResult    string       `json:"last_result,omitempty"`
	Status        TaskStatus   `json:"status"`
	RetryCount    int          `json:"retry_count"`
	MaxRetries    int          `json:"max_retries"`
	TimeoutMs     int64        `json:"timeout_ms"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Timeout returns the task execution deadline as a duration.
func (t *ScheduledTask) Timeout() time.Duration {
	if t.TimeoutMs <= 0 {
		return DefaultTaskTimeout
	}
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// TaskRunStatus marks one execution outcome.
type TaskRunStatus string

const (
	TaskRunSuccess TaskRunStatus = "success"
	TaskRunFailure TaskRunStatus = "failure"
	TaskRunTimeout TaskRunStatus = "timeout"
)

// TaskRunLog records one execution of a scheduled task.
type TaskRunLog struct {
	ID         int64         `json:"id,omitempty"`
	TaskID     string        `json:"task_id"`
	RunAt      time.Time     `json:"run_at"`
	Status     TaskRunStatus `json:"status"`
	Result     string        `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMs int64         `json:"duration_ms"`
}
