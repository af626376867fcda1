package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flashclaw/flashclaw/pkg/models"
)

// MemoryStore is an in-memory Store used in tests and by the terminal
// channel when no database path is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]*models.Message // keyed by chat id
	chats    map[string]time.Time
	tasks    map[string]*models.ScheduledTask
	runs     []*models.TaskRunLog
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]*models.Message),
		chats:    make(map[string]time.Time),
		tasks:    make(map[string]*models.ScheduledTask),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) StoreMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.messages[msg.ChatID] {
		if existing.ID == msg.ID {
			return nil
		}
	}
	clone := *msg
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], &clone)
	return nil
}

func (s *MemoryStore) MessageExists(_ context.Context, id, chatID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msg := range s.messages[chatID] {
		if msg.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) GetMessagesSince(_ context.Context, chatID string, since time.Time, botName string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Message
	for _, msg := range s.messages[chatID] {
		if !msg.Timestamp.After(since) {
			continue
		}
		if botName != "" && msg.SenderName == botName {
			continue
		}
		clone := *msg
		out = append(out, &clone)
	}
	sortByTime(out)
	return out, nil
}

func (s *MemoryStore) GetChatHistory(_ context.Context, chatID string, limit int, since *time.Time) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*models.Message
	for _, msg := range s.messages[chatID] {
		if since != nil && !msg.Timestamp.After(*since) {
			continue
		}
		clone := *msg
		out = append(out, &clone)
	}
	sortByTime(out)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) StoreChatMetadata(_ context.Context, chatID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chatID] = ts
	return nil
}

func (s *MemoryStore) GetAllChats(_ context.Context) ([]ChatMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChatMetadata, 0, len(s.chats))
	for id, ts := range s.chats {
		out = append(out, ChatMetadata{ChatID: id, LastMessageAt: ts})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task *models.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	clone := *task
	s.tasks[task.ID] = &clone
	return nil
}

func (s *MemoryStore) GetTaskByID(_ context.Context, id string) (*models.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *task
	return &clone, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, task *models.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	task.UpdatedAt = time.Now()
	clone := *task
	s.tasks[task.ID] = &clone
	return nil
}

func (s *MemoryStore) UpdateTaskAfterRun(_ context.Context, id string, lastRun time.Time, nextRun *time.Time, lastResult string, status models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	lr := lastRun
	task.LastRun = &lr
	task.NextRun = nextRun
	task.LastResult = lastResult
	task.Status = status
	task.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateTaskRetry(_ context.Context, id string, retryCount int, nextRun *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.RetryCount = retryCount
	task.NextRun = nextRun
	task.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ResetTaskRetry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.RetryCount = 0
	task.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	kept := s.runs[:0]
	for _, run := range s.runs {
		if run.TaskID != id {
			kept = append(kept, run)
		}
	}
	s.runs = kept
	return nil
}

func (s *MemoryStore) LogTaskRun(_ context.Context, log *models.TaskRunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *log
	clone.ID = int64(len(s.runs) + 1)
	s.runs = append(s.runs, &clone)
	return nil
}

func (s *MemoryStore) GetAllTasks(_ context.Context) ([]*models.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		clone := *task
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetDueTasks(_ context.Context, now time.Time) ([]*models.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ScheduledTask
	for _, task := range s.tasks {
		if task.Status != models.TaskStatusActive || task.NextRun == nil {
			continue
		}
		if task.NextRun.After(now) {
			continue
		}
		clone := *task
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRun.Before(*out[j].NextRun)
	})
	return out, nil
}

func (s *MemoryStore) GetNextWakeTime(_ context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var earliest *time.Time
	for _, task := range s.tasks {
		if task.Status != models.TaskStatusActive || task.NextRun == nil {
			continue
		}
		if earliest == nil || task.NextRun.Before(*earliest) {
			t := *task.NextRun
			earliest = &t
		}
	}
	return earliest, nil
}

func sortByTime(msgs []*models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
