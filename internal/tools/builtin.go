package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/flashclaw/flashclaw/pkg/models"
)

// schemaFor reflects a JSON schema from an input struct. Built-in tool
// inputs are small flat structs, so the schema is inlined with no $refs.
func schemaFor(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("reflect tool schema: %v", err))
	}
	return data
}

// MessagePlugin exposes send_message and send_image. Both delegate to
// the per-invocation ToolContext callbacks, which emit IPC envelopes.
type MessagePlugin struct{}

type sendMessageInput struct {
	Text string `json:"text" jsonschema:"required,description=消息文本"`
}

type sendImageInput struct {
	ImageData string `json:"image_data" jsonschema:"required,description=base64 编码的图片数据"`
	Caption   string `json:"caption,omitempty" jsonschema:"description=可选的图片说明"`
}

func (p *MessagePlugin) PluginName() string { return "message" }

func (p *MessagePlugin) Tools() []Tool {
	return []Tool{
		{
			Name:        "send_message",
			Description: "发送一条文本消息到当前会话。",
			InputSchema: schemaFor(&sendMessageInput{}),
		},
		{
			Name:        "send_image",
			Description: "发送一张图片到当前会话，可附带说明文字。",
			InputSchema: schemaFor(&sendImageInput{}),
		},
	}
}

func (p *MessagePlugin) Execute(ctx context.Context, toolName string, input json.RawMessage, tctx *Context) (string, error) {
	switch toolName {
	case "send_message":
		var in sendMessageInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if strings.TrimSpace(in.Text) == "" {
			return "", fmt.Errorf("text is required")
		}
		if tctx == nil || tctx.SendMessage == nil {
			return "", fmt.Errorf("message sending unavailable in this context")
		}
		if err := tctx.SendMessage(in.Text); err != nil {
			return "", err
		}
		return "消息已发送", nil
	case "send_image":
		var in sendImageInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if in.ImageData == "" {
			return "", fmt.Errorf("image_data is required")
		}
		if tctx == nil || tctx.SendImage == nil {
			return "", fmt.Errorf("image sending unavailable in this context")
		}
		if err := tctx.SendImage(in.ImageData, in.Caption); err != nil {
			return "", err
		}
		return "图片已发送", nil
	default:
		return "", fmt.Errorf("unknown tool: %s", toolName)
	}
}

// ScheduleRequest is what the schedule tools hand to the task service.
type ScheduleRequest struct {
	Prompt        string
	ScheduleType  models.ScheduleType
	ScheduleValue string
	GroupFolder   string
	ChatID        string
	ContextMode   models.ContextMode
	MaxRetries    int
	TimeoutMs     int64
}

// TaskService is the scheduler surface the schedule tools need.
type TaskService interface {
	ScheduleTask(ctx context.Context, req ScheduleRequest) (*models.ScheduledTask, error)
	ListTasks(ctx context.Context, groupFolder string) ([]*models.ScheduledTask, error)
	PauseTask(ctx context.Context, taskID string) error
	ResumeTask(ctx context.Context, taskID string) error
	CancelTask(ctx context.Context, taskID string) error
}

// SchedulePlugin exposes the task management tools.
type SchedulePlugin struct {
	tasks TaskService
}

// NewSchedulePlugin builds the schedule plugin around a task service.
func NewSchedulePlugin(tasks TaskService) *SchedulePlugin {
	return &SchedulePlugin{tasks: tasks}
}

type scheduleTaskInput struct {
	Prompt        string `json:"prompt" jsonschema:"required,description=任务触发时交给助手执行的提示词"`
	ScheduleType  string `json:"schedule_type" jsonschema:"required,enum=cron,enum=interval,enum=once,description=调度类型"`
	ScheduleValue string `json:"schedule_value" jsonschema:"required,description=cron 表达式、毫秒间隔或 ISO-8601 时间"`
	ContextMode   string `json:"context_mode,omitempty" jsonschema:"enum=group,enum=isolated,description=任务运行时使用的记忆范围"`
	MaxRetries    *int   `json:"max_retries,omitempty" jsonschema:"description=失败重试次数上限 (0-10)"`
	TimeoutMs     *int64 `json:"timeout_ms,omitempty" jsonschema:"description=单次执行超时毫秒数"`
}

type taskIDInput struct {
	TaskID string `json:"task_id" jsonschema:"required,description=任务 ID"`
}

type listTasksInput struct{}

func (p *SchedulePlugin) PluginName() string { return "schedule" }

func (p *SchedulePlugin) Tools() []Tool {
	return []Tool{
		{
			Name:        "schedule_task",
			Description: "创建一个定时任务。支持 cron 表达式、固定间隔（毫秒）和一次性时间点。",
			InputSchema: schemaFor(&scheduleTaskInput{}),
		},
		{
			Name:        "list_tasks",
			Description: "列出当前群组的定时任务。",
			InputSchema: schemaFor(&listTasksInput{}),
		},
		{
			Name:        "pause_task",
			Description: "暂停一个定时任务。",
			InputSchema: schemaFor(&taskIDInput{}),
		},
		{
			Name:        "resume_task",
			Description: "恢复一个已暂停的定时任务。",
			InputSchema: schemaFor(&taskIDInput{}),
		},
		{
			Name:        "cancel_task",
			Description: "取消并删除一个定时任务。",
			InputSchema: schemaFor(&taskIDInput{}),
		},
	}
}

func (p *SchedulePlugin) Execute(ctx context.Context, toolName string, input json.RawMessage, tctx *Context) (string, error) {
	if p.tasks == nil {
		return "", fmt.Errorf("task scheduling unavailable")
	}
	switch toolName {
	case "schedule_task":
		return p.scheduleTask(ctx, input, tctx)
	case "list_tasks":
		return p.listTasks(ctx, tctx)
	case "pause_task":
		id, err := parseTaskID(input)
		if err != nil {
			return "", err
		}
		if err := p.tasks.PauseTask(ctx, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("任务 %s 已暂停", id), nil
	case "resume_task":
		id, err := parseTaskID(input)
		if err != nil {
			return "", err
		}
		if err := p.tasks.ResumeTask(ctx, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("任务 %s 已恢复", id), nil
	case "cancel_task":
		id, err := parseTaskID(input)
		if err != nil {
			return "", err
		}
		if err := p.tasks.CancelTask(ctx, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("任务 %s 已取消", id), nil
	default:
		return "", fmt.Errorf("unknown tool: %s", toolName)
	}
}

func parseTaskID(input json.RawMessage) (string, error) {
	var in taskIDInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if in.TaskID == "" || len(in.TaskID) > 100 {
		return "", fmt.Errorf("invalid task_id")
	}
	return in.TaskID, nil
}

func (p *SchedulePlugin) scheduleTask(ctx context.Context, input json.RawMessage, tctx *Context) (string, error) {
	var in scheduleTaskInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if in.Prompt == "" || len(in.Prompt) > models.MaxTaskPromptChars {
		return "", fmt.Errorf("prompt must be 1..%d characters", models.MaxTaskPromptChars)
	}
	if in.ScheduleValue == "" || len(in.ScheduleValue) > 200 {
		return "", fmt.Errorf("schedule_value must be 1..200 characters")
	}
	req := ScheduleRequest{
		Prompt:        in.Prompt,
		ScheduleType:  models.ScheduleType(in.ScheduleType),
		ScheduleValue: in.ScheduleValue,
		ContextMode:   models.ContextModeGroup,
		MaxRetries:    models.DefaultMaxRetries,
	}
	if tctx != nil {
		req.GroupFolder = tctx.GroupID
		req.ChatID = tctx.ChatID
	}
	switch req.ScheduleType {
	case models.ScheduleCron, models.ScheduleInterval, models.ScheduleOnce:
	default:
		return "", fmt.Errorf("schedule_type must be cron, interval or once")
	}
	if in.ContextMode != "" {
		switch models.ContextMode(in.ContextMode) {
		case models.ContextModeGroup, models.ContextModeIsolated:
			req.ContextMode = models.ContextMode(in.ContextMode)
		default:
			return "", fmt.Errorf("context_mode must be group or isolated")
		}
	}
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 || *in.MaxRetries > 10 {
			return "", fmt.Errorf("max_retries must be 0..10")
		}
		req.MaxRetries = *in.MaxRetries
	}
	if in.TimeoutMs != nil {
		if *in.TimeoutMs < 1000 || *in.TimeoutMs > 3600000 {
			return "", fmt.Errorf("timeout_ms must be 1000..3600000")
		}
		req.TimeoutMs = *in.TimeoutMs
	}

	task, err := p.tasks.ScheduleTask(ctx, req)
	if err != nil {
		return "", err
	}
	next := "未排期"
	if task.NextRun != nil {
		next = task.NextRun.Format(time.RFC3339)
	}
	return fmt.Sprintf("任务已创建: %s（下次执行: %s）", task.ID, next), nil
}

func (p *SchedulePlugin) listTasks(ctx context.Context, tctx *Context) (string, error) {
	group := ""
	if tctx != nil {
		group = tctx.GroupID
	}
	tasks, err := p.tasks.ListTasks(ctx, group)
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "当前没有定时任务。", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "共 %d 个定时任务:\n", len(tasks))
	for _, t := range tasks {
		next := "-"
		if t.NextRun != nil {
			next = t.NextRun.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(&b, "- %s [%s] %s %s（下次: %s）%s\n",
			t.ID, t.Status, t.ScheduleType, t.ScheduleValue, next, summarizePrompt(t.Prompt))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func summarizePrompt(prompt string) string {
	runes := []rune(strings.TrimSpace(prompt))
	if len(runes) > 40 {
		return string(runes[:40]) + "..."
	}
	return string(runes)
}

// MemoryService is the memory manager surface the memory tools need.
type MemoryService interface {
	Remember(scope, key, value string) error
	Recall(scope, key string) string
	Forget(scope, key string) (bool, error)
}

// MemoryPlugin exposes remember, recall and forget over long-term
// memory for the current group scope.
type MemoryPlugin struct {
	memory MemoryService
}

// NewMemoryPlugin builds the memory plugin around a memory service.
func NewMemoryPlugin(memory MemoryService) *MemoryPlugin {
	return &MemoryPlugin{memory: memory}
}

type rememberInput struct {
	Key   string `json:"key" jsonschema:"required,description=记忆条目的键"`
	Value string `json:"value" jsonschema:"required,description=要记住的内容"`
}

type recallInput struct {
	Key string `json:"key,omitempty" jsonschema:"description=要查询的键，留空返回全部"`
}

type forgetInput struct {
	Key string `json:"key" jsonschema:"required,description=要删除的键"`
}

func (p *MemoryPlugin) PluginName() string { return "memory" }

func (p *MemoryPlugin) Tools() []Tool {
	return []Tool{
		{
			Name:        "remember",
			Description: "把一条信息写入长期记忆，按键存储，重复写入会覆盖。",
			InputSchema: schemaFor(&rememberInput{}),
		},
		{
			Name:        "recall",
			Description: "按键查询长期记忆，键留空时返回全部条目。",
			InputSchema: schemaFor(&recallInput{}),
		},
		{
			Name:        "forget",
			Description: "从长期记忆中删除一个键。",
			InputSchema: schemaFor(&forgetInput{}),
		},
	}
}

func (p *MemoryPlugin) Execute(ctx context.Context, toolName string, input json.RawMessage, tctx *Context) (string, error) {
	if p.memory == nil {
		return "", fmt.Errorf("memory unavailable")
	}
	scope := ""
	if tctx != nil {
		scope = tctx.GroupID
	}
	if scope == "" {
		return "", fmt.Errorf("memory unavailable in this context")
	}
	switch toolName {
	case "remember":
		var in rememberInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if strings.TrimSpace(in.Key) == "" || strings.TrimSpace(in.Value) == "" {
			return "", fmt.Errorf("key and value are required")
		}
		if err := p.memory.Remember(scope, in.Key, in.Value); err != nil {
			return "", err
		}
		return fmt.Sprintf("已记住 %s", in.Key), nil
	case "recall":
		var in recallInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		value := p.memory.Recall(scope, in.Key)
		if value == "" {
			return "没有找到相关记忆。", nil
		}
		return value, nil
	case "forget":
		var in forgetInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
		if strings.TrimSpace(in.Key) == "" {
			return "", fmt.Errorf("key is required")
		}
		removed, err := p.memory.Forget(scope, in.Key)
		if err != nil {
			return "", err
		}
		if !removed {
			return fmt.Sprintf("没有名为 %s 的记忆", in.Key), nil
		}
		return fmt.Sprintf("已忘记 %s", in.Key), nil
	default:
		return "", fmt.Errorf("unknown tool: %s", toolName)
	}
}

// RegisterBuiltins installs the built-in plugins. User plugins register
// afterwards and may override individual tool names.
func RegisterBuiltins(r *Registry, tasks TaskService, memory MemoryService) error {
	if err := r.RegisterMulti(&MessagePlugin{}); err != nil {
		return err
	}
	if err := r.RegisterMulti(NewSchedulePlugin(tasks)); err != nil {
		return err
	}
	return r.RegisterMulti(NewMemoryPlugin(memory))
}
