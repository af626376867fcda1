// Package storage defines the persistence port the runtime needs on the
// message/task store and provides the SQLite and in-memory implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/flashclaw/flashclaw/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// ChatMetadata is the activity record kept per chat.
type ChatMetadata struct {
	ChatID        string    `json:"chat_id"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// MessageStore persists inbound messages and chat activity.
type MessageStore interface {
	// StoreMessage inserts a message; duplicates by (chat,id) are ignored.
	StoreMessage(ctx context.Context, msg *models.Message) error

	// MessageExists reports whether a message id was already stored for the chat.
	MessageExists(ctx context.Context, id, chatID string) (bool, error)

	// GetMessagesSince returns messages for a chat newer than since, in
	// ascending order, excluding the bot's own (senderName == botName).
	GetMessagesSince(ctx context.Context, chatID string, since time.Time, botName string) ([]*models.Message, error)

	// GetChatHistory returns up to limit most-recent messages in ascending
	// order; since further restricts to newer messages when non-nil.
	GetChatHistory(ctx context.Context, chatID string, limit int, since *time.Time) ([]*models.Message, error)

	// StoreChatMetadata upserts the chat's last-activity timestamp.
	StoreChatMetadata(ctx context.Context, chatID string, ts time.Time) error

	// GetAllChats lists every chat seen so far.
	GetAllChats(ctx context.Context) ([]ChatMetadata, error)
}

// TaskStore persists scheduled tasks and their run history. The scheduler
// is the only writer of next_run/retry_count/status.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.ScheduledTask) error
	GetTaskByID(ctx context.Context, id string) (*models.ScheduledTask, error)
	UpdateTask(ctx context.Context, task *models.ScheduledTask) error

	// UpdateTaskAfterRun records a completed run: last run, the new next
	// run (nil disables), a truncated result and the resulting status.
	UpdateTaskAfterRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time, lastResult string, status models.TaskStatus) error

	// UpdateTaskRetry bumps the retry counter and re-arms next_run.
	UpdateTaskRetry(ctx context.Context, id string, retryCount int, nextRun *time.Time) error

	// ResetTaskRetry zeroes the retry counter.
	ResetTaskRetry(ctx context.Context, id string) error

	DeleteTask(ctx context.Context, id string) error
	LogTaskRun(ctx context.Context, log *models.TaskRunLog) error
	GetAllTasks(ctx context.Context) ([]*models.ScheduledTask, error)

	// GetDueTasks returns active tasks with next_run <= now.
	GetDueTasks(ctx context.Context, now time.Time) ([]*models.ScheduledTask, error)

	// GetNextWakeTime returns the earliest next_run across active tasks,
	// or nil when none are scheduled.
	GetNextWakeTime(ctx context.Context) (*time.Time, error)
}

// Store is the full persistence port.
type Store interface {
	MessageStore
	TaskStore
	Close() error
}
