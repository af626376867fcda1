package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/flashclaw/flashclaw/pkg/models"
)

type fakeTaskService struct {
	scheduled []ScheduleRequest
	tasks     []*models.ScheduledTask
	paused    []string
	resumed   []string
	cancelled []string
}

func (f *fakeTaskService) ScheduleTask(ctx context.Context, req ScheduleRequest) (*models.ScheduledTask, error) {
	f.scheduled = append(f.scheduled, req)
	next := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	return &models.ScheduledTask{ID: "task-1", NextRun: &next}, nil
}

func (f *fakeTaskService) ListTasks(ctx context.Context, groupFolder string) ([]*models.ScheduledTask, error) {
	return f.tasks, nil
}

func (f *fakeTaskService) PauseTask(ctx context.Context, id string) error {
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeTaskService) ResumeTask(ctx context.Context, id string) error {
	f.resumed = append(f.resumed, id)
	return nil
}

func (f *fakeTaskService) CancelTask(ctx context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeMemoryService struct {
	store map[string]string
}

func (f *fakeMemoryService) Remember(scope, key, value string) error {
	if f.store == nil {
		f.store = make(map[string]string)
	}
	f.store[scope+"/"+key] = value
	return nil
}

func (f *fakeMemoryService) Recall(scope, key string) string {
	return f.store[scope+"/"+key]
}

func (f *fakeMemoryService) Forget(scope, key string) (bool, error) {
	k := scope + "/" + key
	if _, ok := f.store[k]; !ok {
		return false, nil
	}
	delete(f.store, k)
	return true, nil
}

func testContext() *Context {
	return &Context{ChatID: "chat-1", GroupID: "group-1", UserID: "user-1"}
}

func TestMessagePluginSend(t *testing.T) {
	var sentText, sentImage, sentCaption string
	tctx := testContext()
	tctx.SendMessage = func(text string) error { sentText = text; return nil }
	tctx.SendImage = func(data, caption string) error { sentImage, sentCaption = data, caption; return nil }

	p := &MessagePlugin{}
	out, err := p.Execute(context.Background(), "send_message", json.RawMessage(`{"text":"你好"}`), tctx)
	if err != nil {
		t.Fatal(err)
	}
	if sentText != "你好" || !strings.Contains(out, "已发送") {
		t.Errorf("sent = %q, out = %q", sentText, out)
	}

	_, err = p.Execute(context.Background(), "send_image", json.RawMessage(`{"image_data":"aGk=","caption":"pic"}`), tctx)
	if err != nil {
		t.Fatal(err)
	}
	if sentImage != "aGk=" || sentCaption != "pic" {
		t.Errorf("image = %q caption = %q", sentImage, sentCaption)
	}
}

func TestMessagePluginRejectsEmptyText(t *testing.T) {
	tctx := testContext()
	tctx.SendMessage = func(string) error { return nil }
	p := &MessagePlugin{}
	if _, err := p.Execute(context.Background(), "send_message", json.RawMessage(`{"text":"  "}`), tctx); err == nil {
		t.Error("blank text accepted")
	}
}

func TestSchedulePluginScheduleTask(t *testing.T) {
	svc := &fakeTaskService{}
	p := NewSchedulePlugin(svc)
	input := json.RawMessage(`{"prompt":"每日提醒","schedule_type":"cron","schedule_value":"0 9 * * *","max_retries":2}`)

	out, err := p.Execute(context.Background(), "schedule_task", input, testContext())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "task-1") {
		t.Errorf("out = %q", out)
	}
	if len(svc.scheduled) != 1 {
		t.Fatalf("scheduled = %d, want 1", len(svc.scheduled))
	}
	req := svc.scheduled[0]
	if req.GroupFolder != "group-1" || req.ChatID != "chat-1" {
		t.Errorf("request scope = %q/%q", req.GroupFolder, req.ChatID)
	}
	if req.MaxRetries != 2 || req.ContextMode != models.ContextModeGroup {
		t.Errorf("request = %+v", req)
	}
}

func TestSchedulePluginValidation(t *testing.T) {
	p := NewSchedulePlugin(&fakeTaskService{})
	cases := []struct {
		name  string
		input string
	}{
		{"bad type", `{"prompt":"x","schedule_type":"hourly","schedule_value":"1"}`},
		{"empty prompt", `{"prompt":"","schedule_type":"cron","schedule_value":"* * * * *"}`},
		{"retries out of range", `{"prompt":"x","schedule_type":"once","schedule_value":"2026-09-01T00:00:00Z","max_retries":11}`},
		{"timeout too small", `{"prompt":"x","schedule_type":"interval","schedule_value":"5000","timeout_ms":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := p.Execute(context.Background(), "schedule_task", json.RawMessage(tc.input), testContext()); err == nil {
				t.Error("invalid input accepted")
			}
		})
	}
}

func TestSchedulePluginLifecycle(t *testing.T) {
	svc := &fakeTaskService{}
	p := NewSchedulePlugin(svc)
	for _, tool := range []string{"pause_task", "resume_task", "cancel_task"} {
		if _, err := p.Execute(context.Background(), tool, json.RawMessage(`{"task_id":"t9"}`), testContext()); err != nil {
			t.Fatalf("%s: %v", tool, err)
		}
	}
	if len(svc.paused) != 1 || len(svc.resumed) != 1 || len(svc.cancelled) != 1 {
		t.Errorf("lifecycle calls = %v %v %v", svc.paused, svc.resumed, svc.cancelled)
	}
}

func TestSchedulePluginListTasks(t *testing.T) {
	next := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	svc := &fakeTaskService{tasks: []*models.ScheduledTask{
		{ID: "t1", Status: models.TaskStatusActive, ScheduleType: models.ScheduleCron, ScheduleValue: "0 9 * * *", Prompt: "早安", NextRun: &next},
	}}
	p := NewSchedulePlugin(svc)

	out, err := p.Execute(context.Background(), "list_tasks", json.RawMessage(`{}`), testContext())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "t1") || !strings.Contains(out, "早安") {
		t.Errorf("out = %q", out)
	}

	svc.tasks = nil
	out, err = p.Execute(context.Background(), "list_tasks", json.RawMessage(`{}`), testContext())
	if err != nil || !strings.Contains(out, "没有定时任务") {
		t.Errorf("empty list out = %q, err = %v", out, err)
	}
}

func TestMemoryPlugin(t *testing.T) {
	svc := &fakeMemoryService{}
	p := NewMemoryPlugin(svc)
	tctx := testContext()

	if _, err := p.Execute(context.Background(), "remember", json.RawMessage(`{"key":"生日","value":"三月"}`), tctx); err != nil {
		t.Fatal(err)
	}
	out, err := p.Execute(context.Background(), "recall", json.RawMessage(`{"key":"生日"}`), tctx)
	if err != nil || out != "三月" {
		t.Fatalf("recall = %q, %v", out, err)
	}
	out, err = p.Execute(context.Background(), "forget", json.RawMessage(`{"key":"生日"}`), tctx)
	if err != nil || !strings.Contains(out, "已忘记") {
		t.Fatalf("forget = %q, %v", out, err)
	}
	out, err = p.Execute(context.Background(), "forget", json.RawMessage(`{"key":"生日"}`), tctx)
	if err != nil || !strings.Contains(out, "没有") {
		t.Fatalf("double forget = %q, %v", out, err)
	}
}

func TestMemoryPluginNeedsScope(t *testing.T) {
	p := NewMemoryPlugin(&fakeMemoryService{})
	tctx := &Context{ChatID: "c"}
	if _, err := p.Execute(context.Background(), "remember", json.RawMessage(`{"key":"k","value":"v"}`), tctx); err == nil {
		t.Error("missing group scope accepted")
	}
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry(nil)
	if err := RegisterBuiltins(r, &fakeTaskService{}, &fakeMemoryService{}); err != nil {
		t.Fatal(err)
	}
	snap := r.Snapshot()
	for _, name := range []string{
		"send_message", "send_image",
		"schedule_task", "list_tasks", "pause_task", "resume_task", "cancel_task",
		"remember", "recall", "forget",
	} {
		found := false
		for _, spec := range snap.Specs() {
			if spec.Name == name {
				found = true
				if len(spec.InputSchema) == 0 {
					t.Errorf("%s has empty schema", name)
				}
			}
		}
		if !found {
			t.Errorf("builtin %s not registered", name)
		}
	}
}
