package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/flashclaw/flashclaw/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id          TEXT NOT NULL,
	chat_id     TEXT NOT NULL,
	sender_id   TEXT,
	sender_name TEXT,
	content     TEXT,
	timestamp   TEXT NOT NULL,
	chat_type   TEXT,
	platform    TEXT,
	attachments TEXT,
	mentions    TEXT,
	reply_to    TEXT,
	PRIMARY KEY (chat_id, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, timestamp);

CREATE TABLE IF NOT EXISTS chats (
	chat_id         TEXT PRIMARY KEY,
	last_message_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	group_folder   TEXT NOT NULL,
	chat_id        TEXT NOT NULL,
	prompt         TEXT NOT NULL,
	schedule_type  TEXT NOT NULL,
	schedule_value TEXT NOT NULL,
	context_mode   TEXT NOT NULL DEFAULT 'group',
	next_run       TEXT,
	last_run       TEXT,
	last_result    TEXT,
	status         TEXT NOT NULL DEFAULT 'active',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	timeout_ms     INTEGER NOT NULL DEFAULT 300000,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run);

CREATE TABLE IF NOT EXISTS task_runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL,
	run_at      TEXT NOT NULL,
	status      TEXT NOT NULL,
	result      TEXT,
	error       TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id, run_at);
`

// SQLiteStore implements Store on a single-connection SQLite database.
// Writes are serialised by the connection itself.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// bootstraps the schema. ":memory:" works for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := decodeTime(ns.String)
	return &t
}

func encodeJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// StoreMessage inserts the message; a duplicate (chat,id) is silently ignored.
func (s *SQLiteStore) StoreMessage(ctx context.Context, msg *models.Message) error {
	var attachments, mentions string
	if len(msg.Attachments) > 0 {
		attachments = encodeJSON(msg.Attachments)
	}
	if len(msg.Mentions) > 0 {
		mentions = encodeJSON(msg.Mentions)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(id, chat_id, sender_id, sender_name, content, timestamp, chat_type, platform, attachments, mentions, reply_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.SenderID, msg.SenderName, msg.Content,
		encodeTime(msg.Timestamp), string(msg.ChatType), string(msg.Platform),
		attachments, mentions, msg.ReplyToMessageID,
	)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// MessageExists reports whether the chat already holds this message id.
func (s *SQLiteStore) MessageExists(ctx context.Context, id, chatID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE chat_id = ? AND id = ?`, chatID, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("message exists: %w", err)
	}
	return true, nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var out []*models.Message
	for rows.Next() {
		var (
			msg                    models.Message
			ts, chatType, platform string
			attachments, mentions  sql.NullString
			replyTo                sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.SenderName,
			&msg.Content, &ts, &chatType, &platform, &attachments, &mentions, &replyTo); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp = decodeTime(ts)
		msg.ChatType = models.ChatType(chatType)
		msg.Platform = models.Platform(platform)
		if attachments.Valid && attachments.String != "" {
			_ = json.Unmarshal([]byte(attachments.String), &msg.Attachments)
		}
		if mentions.Valid && mentions.String != "" {
			_ = json.Unmarshal([]byte(mentions.String), &msg.Mentions)
		}
		if replyTo.Valid {
			msg.ReplyToMessageID = replyTo.String
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

const messageColumns = `id, chat_id, sender_id, sender_name, content, timestamp, chat_type, platform, attachments, mentions, reply_to`

// GetMessagesSince returns the chat's messages newer than since, oldest
// first, excluding the bot's own.
func (s *SQLiteStore) GetMessagesSince(ctx context.Context, chatID string, since time.Time, botName string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND timestamp > ? AND (? = '' OR sender_name != ?)
		ORDER BY timestamp ASC`,
		chatID, encodeTime(since), botName, botName)
	if err != nil {
		return nil, fmt.Errorf("get messages since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetChatHistory returns up to limit most-recent messages, oldest first.
func (s *SQLiteStore) GetChatHistory(ctx context.Context, chatID string, limit int, since *time.Time) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	sinceClause := ""
	args := []any{chatID}
	if since != nil {
		sinceClause = "AND timestamp > ?"
		args = append(args, encodeTime(*since))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE chat_id = ? `+sinceClause+`
			ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("get chat history: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// StoreChatMetadata upserts the chat's last-activity timestamp.
func (s *SQLiteStore) StoreChatMetadata(ctx context.Context, chatID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, last_message_at) VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET last_message_at = excluded.last_message_at`,
		chatID, encodeTime(ts))
	if err != nil {
		return fmt.Errorf("store chat metadata: %w", err)
	}
	return nil
}

// GetAllChats lists every chat with its last activity.
func (s *SQLiteStore) GetAllChats(ctx context.Context) ([]ChatMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, last_message_at FROM chats ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("get all chats: %w", err)
	}
	defer rows.Close()

	var out []ChatMetadata
	for rows.Next() {
		var meta ChatMetadata
		var ts string
		if err := rows.Scan(&meta.ChatID, &ts); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		meta.LastMessageAt = decodeTime(ts)
		out = append(out, meta)
	}
	return out, rows.Err()
}

// CreateTask inserts a new scheduled task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.ScheduledTask) error {
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, group_folder, chat_id, prompt, schedule_type, schedule_value, context_mode,
			 next_run, last_run, last_result, status, retry_count, max_retries, timeout_ms,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.GroupFolder, task.ChatID, task.Prompt,
		string(task.ScheduleType), task.ScheduleValue, string(task.ContextMode),
		encodeTimePtr(task.NextRun), encodeTimePtr(task.LastRun), task.LastResult,
		string(task.Status), task.RetryCount, task.MaxRetries, task.TimeoutMs,
		encodeTime(task.CreatedAt), encodeTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

const taskColumns = `id, group_folder, chat_id, prompt, schedule_type, schedule_value, context_mode,
	next_run, last_run, last_result, status, retry_count, max_retries, timeout_ms, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*models.ScheduledTask, error) {
	var (
		task               models.ScheduledTask
		schedType, ctxMode string
		status             string
		nextRun, lastRun   sql.NullString
		lastResult         sql.NullString
		createdAt, updated string
	)
	err := row.Scan(&task.ID, &task.GroupFolder, &task.ChatID, &task.Prompt,
		&schedType, &task.ScheduleValue, &ctxMode,
		&nextRun, &lastRun, &lastResult, &status,
		&task.RetryCount, &task.MaxRetries, &task.TimeoutMs, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	task.ScheduleType = models.ScheduleType(schedType)
	task.ContextMode = models.ContextMode(ctxMode)
	task.Status = models.TaskStatus(status)
	task.NextRun = decodeTimePtr(nextRun)
	task.LastRun = decodeTimePtr(lastRun)
	if lastResult.Valid {
		task.LastResult = lastResult.String
	}
	task.CreatedAt = decodeTime(createdAt)
	task.UpdatedAt = decodeTime(updated)
	return &task, nil
}

// GetTaskByID fetches one task.
func (s *SQLiteStore) GetTaskByID(ctx context.Context, id string) (*models.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateTask rewrites every mutable task field.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *models.ScheduledTask) error {
	task.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			prompt = ?, schedule_type = ?, schedule_value = ?, context_mode = ?,
			next_run = ?, last_run = ?, last_result = ?, status = ?,
			retry_count = ?, max_retries = ?, timeout_ms = ?, updated_at = ?
		WHERE id = ?`,
		task.Prompt, string(task.ScheduleType), task.ScheduleValue, string(task.ContextMode),
		encodeTimePtr(task.NextRun), encodeTimePtr(task.LastRun), task.LastResult, string(task.Status),
		task.RetryCount, task.MaxRetries, task.TimeoutMs, encodeTime(task.UpdatedAt), task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(res)
}

// UpdateTaskAfterRun records the outcome of a run.
func (s *SQLiteStore) UpdateTaskAfterRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time, lastResult string, status models.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET last_run = ?, next_run = ?, last_result = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		encodeTime(lastRun), encodeTimePtr(nextRun), lastResult, string(status),
		encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update task after run: %w", err)
	}
	return requireRow(res)
}

// UpdateTaskRetry bumps the retry counter and re-arms next_run.
func (s *SQLiteStore) UpdateTaskRetry(ctx context.Context, id string, retryCount int, nextRun *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET retry_count = ?, next_run = ?, updated_at = ? WHERE id = ?`,
		retryCount, encodeTimePtr(nextRun), encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update task retry: %w", err)
	}
	return requireRow(res)
}

// ResetTaskRetry zeroes the retry counter.
func (s *SQLiteStore) ResetTaskRetry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET retry_count = 0, updated_at = ? WHERE id = ?`,
		encodeTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("reset task retry: %w", err)
	}
	return requireRow(res)
}

// DeleteTask removes a task and its run log.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM task_runs WHERE task_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task runs: %w", err)
	}
	return nil
}

// LogTaskRun appends one execution record.
func (s *SQLiteStore) LogTaskRun(ctx context.Context, log *models.TaskRunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (task_id, run_at, status, result, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		log.TaskID, encodeTime(log.RunAt), string(log.Status), log.Result, log.Error, log.DurationMs)
	if err != nil {
		return fmt.Errorf("log task run: %w", err)
	}
	return nil
}

// GetAllTasks lists every task, newest first.
func (s *SQLiteStore) GetAllTasks(ctx context.Context) ([]*models.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("get all tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetDueTasks returns active tasks whose next_run has passed.
func (s *SQLiteStore) GetDueTasks(ctx context.Context, now time.Time) ([]*models.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC`,
		string(models.TaskStatusActive), encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("get due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*models.ScheduledTask, error) {
	var out []*models.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// GetNextWakeTime returns the earliest next_run among active tasks.
func (s *SQLiteStore) GetNextWakeTime(ctx context.Context) (*time.Time, error) {
	var ns sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(next_run) FROM tasks
		WHERE status = ? AND next_run IS NOT NULL`,
		string(models.TaskStatusActive)).Scan(&ns)
	if err != nil {
		return nil, fmt.Errorf("get next wake time: %w", err)
	}
	return decodeTimePtr(ns), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
