package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/flashclaw/flashclaw/pkg/models"
)

// scriptedProvider replays canned responses, recording the history of
// every follow-up call.
type scriptedProvider struct {
	responses []*Response
	calls     [][]models.ChatMessage
	model     string
}

func (p *scriptedProvider) Chat(ctx context.Context, msgs []models.ChatMessage, opts Options) (*Response, error) {
	events, err := p.ChatStream(ctx, msgs, opts)
	if err != nil {
		return nil, err
	}
	return Collect(events, nil, nil)
}

func (p *scriptedProvider) ChatStream(ctx context.Context, msgs []models.ChatMessage, opts Options) (<-chan StreamEvent, error) {
	copied := make([]models.ChatMessage, len(msgs))
	copy(copied, msgs)
	p.calls = append(p.calls, copied)

	if len(p.responses) == 0 {
		return nil, errors.New("scripted provider exhausted")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]

	events := make(chan StreamEvent, 8)
	for _, b := range resp.Message.Content {
		switch b.Type {
		case models.BlockText:
			events <- StreamEvent{Type: EventText, Text: b.Text}
		case models.BlockToolUse:
			events <- StreamEvent{Type: EventToolUse, ToolUse: &ToolUse{ID: b.ID, Name: b.Name, Input: b.Input}}
		}
	}
	events <- StreamEvent{Type: EventDone, Done: resp}
	close(events)
	return events, nil
}

func (p *scriptedProvider) Model() string {
	if p.model == "" {
		return "mock-model"
	}
	return p.model
}
func (p *scriptedProvider) SetModel(model string)        { p.model = model }
func (p *scriptedProvider) ContextWindow(string) int     { return 200000 }
func (p *scriptedProvider) SupportsVision(string) bool   { return true }
func (p *scriptedProvider) Name() string                 { return "scripted" }

func toolUseResponse(id, name, input, text string) *Response {
	var blocks []models.ContentBlock
	if text != "" {
		blocks = append(blocks, models.NewTextBlock(text))
	}
	blocks = append(blocks, models.NewToolUseBlock(id, name, json.RawMessage(input)))
	return &Response{
		Message:    models.ChatMessage{Role: models.RoleAssistant, Content: blocks},
		StopReason: StopToolUse,
	}
}

func textResponse(text string) *Response {
	return &Response{Message: models.NewAssistantText(text), StopReason: StopEndTurn}
}

// checkPairing asserts every assistant tool_use has exactly one matching
// tool_result in the immediately following user message.
func checkPairing(t *testing.T, history []models.ChatMessage) {
	t.Helper()
	for i, msg := range history {
		uses := msg.ToolUses()
		if msg.Role != models.RoleAssistant || len(uses) == 0 {
			continue
		}
		if i+1 >= len(history) || history[i+1].Role != models.RoleUser {
			t.Fatalf("assistant tool_use at %d has no following user message", i)
		}
		results := history[i+1].ToolResults()
		if len(results) != len(uses) {
			t.Fatalf("message %d: %d tool_use blocks but %d tool_results", i, len(uses), len(results))
		}
		for j, use := range uses {
			if results[j].ToolUseID != use.ID {
				t.Errorf("message %d result %d: tool_use_id = %q, want %q", i, j, results[j].ToolUseID, use.ID)
			}
		}
	}
}

func TestToolLoopSingleRound(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*Response{textResponse("Example domain 的内容如上")},
	}
	var executed []string
	loop := &ToolLoop{
		Provider: provider,
		ExecTool: func(ctx context.Context, name string, input []byte) (string, error) {
			executed = append(executed, name)
			return "Example domain", nil
		},
	}

	first := toolUseResponse("tu_1", "web_fetch", `{"url":"https://example.com"}`, "")
	msgs := []models.ChatMessage{models.NewUserText("帮我抓取 https://example.com")}

	out, err := loop.Run(context.Background(), first, msgs)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Example") {
		t.Errorf("result = %q, want Example mention", out)
	}
	if len(executed) != 1 || executed[0] != "web_fetch" {
		t.Errorf("executed = %v, want one web_fetch", executed)
	}

	// The follow-up call carries the tool round verbatim.
	if len(provider.calls) != 1 {
		t.Fatalf("follow-up calls = %d, want 1", len(provider.calls))
	}
	history := provider.calls[0]
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	checkPairing(t, history)
}

func TestToolLoopErrorBecomesToolResult(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{textResponse("抱歉，抓取失败了")}}
	loop := &ToolLoop{
		Provider: provider,
		ExecTool: func(ctx context.Context, name string, input []byte) (string, error) {
			return "", errors.New("connection refused")
		},
	}

	first := toolUseResponse("tu_1", "web_fetch", `{}`, "")
	_, err := loop.Run(context.Background(), first, []models.ChatMessage{models.NewUserText("抓取")})
	if err != nil {
		t.Fatalf("tool failure must not abort the turn: %v", err)
	}

	results := provider.calls[0][2].ToolResults()
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if !results[0].IsError {
		t.Error("expected is_error result")
	}
	if !strings.HasPrefix(results[0].Content, "工具执行失败: ") {
		t.Errorf("error content = %q", results[0].Content)
	}
	checkPairing(t, provider.calls[0])
}

func TestToolLoopDepthGuard(t *testing.T) {
	// Model that always wants another tool round.
	responses := make([]*Response, 0, MaxToolCallDepth+2)
	for i := 0; i < MaxToolCallDepth+2; i++ {
		responses = append(responses, toolUseResponse(fmt.Sprintf("tu_%d", i), "ping", `{}`, ""))
	}
	provider := &scriptedProvider{responses: responses}
	loop := &ToolLoop{
		Provider: provider,
		ExecTool: func(ctx context.Context, name string, input []byte) (string, error) {
			return "pong", nil
		},
	}

	first := toolUseResponse("tu_start", "ping", `{}`, "")
	out, err := loop.Run(context.Background(), first, []models.ChatMessage{models.NewUserText("go")})
	if err != nil {
		t.Fatal(err)
	}
	if out != DepthExceededText {
		t.Errorf("result = %q, want depth fallback", out)
	}
	for _, call := range provider.calls {
		checkPairing(t, call)
	}
}

func TestToolLoopTruncatesLongResults(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{textResponse("done")}}
	long := strings.Repeat("甲", MaxToolResultChars+500)
	loop := &ToolLoop{
		Provider: provider,
		ExecTool: func(ctx context.Context, name string, input []byte) (string, error) {
			return long, nil
		},
	}

	first := toolUseResponse("tu_1", "dump", `{}`, "")
	if _, err := loop.Run(context.Background(), first, nil); err != nil {
		t.Fatal(err)
	}

	content := provider.calls[0][1].ToolResults()[0].Content
	if !strings.Contains(content, "内容已截断") {
		t.Error("expected truncation marker")
	}
	if len([]rune(content)) >= len([]rune(long)) {
		t.Error("result was not truncated")
	}
}

func TestToolLoopHeartbeat(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{textResponse("ok")}}
	beats := 0
	loop := &ToolLoop{
		Provider:  provider,
		Heartbeat: func() { beats++ },
		ExecTool: func(ctx context.Context, name string, input []byte) (string, error) {
			return "r", nil
		},
	}

	first := toolUseResponse("tu_1", "t", `{}`, "")
	if _, err := loop.Run(context.Background(), first, nil); err != nil {
		t.Fatal(err)
	}
	// At least: before the tool, after the results, and per stream event.
	if beats < 3 {
		t.Errorf("beats = %d, want >= 3", beats)
	}
}

func TestCompressToolRounds(t *testing.T) {
	mkRound := func(n int) []models.ChatMessage {
		return []models.ChatMessage{
			{Role: models.RoleAssistant, Content: []models.ContentBlock{
				models.NewTextBlock(fmt.Sprintf("round %d", n)),
				models.NewToolUseBlock(fmt.Sprintf("tu_%d", n), "search", json.RawMessage(`{"q":"x"}`)),
			}},
			models.NewUserBlocks(models.NewToolResultBlock(fmt.Sprintf("tu_%d", n), fmt.Sprintf("result %d", n), n == 2)),
		}
	}

	var history []models.ChatMessage
	history = append(history, models.NewUserText("question"))
	for n := 1; n <= 4; n++ {
		history = append(history, mkRound(n)...)
	}

	out := CompressToolRounds(history, 2)

	// Rounds 1 and 2 compressed, 3 and 4 intact.
	for _, i := range []int{1, 3} {
		if out[i].HasToolUse() {
			t.Errorf("message %d should be compressed", i)
		}
		text := out[i].Text()
		if !strings.Contains(text, "[已执行工具 search(") {
			t.Errorf("message %d text = %q", i, text)
		}
	}
	if !strings.Contains(out[2].Text(), "[成功: result 1]") {
		t.Errorf("round 1 result = %q", out[2].Text())
	}
	if !strings.Contains(out[4].Text(), "[失败: result 2]") {
		t.Errorf("round 2 result = %q", out[4].Text())
	}
	if len(out[2].ToolResults()) != 0 || len(out[4].ToolResults()) != 0 {
		t.Error("compressed rounds must drop both halves of the pairing")
	}

	if !out[5].HasToolUse() || !out[7].HasToolUse() {
		t.Error("recent rounds must stay verbatim")
	}
	checkPairing(t, out)
}

func TestCompressToolRoundsNoOpBelowThreshold(t *testing.T) {
	history := []models.ChatMessage{
		models.NewUserText("q"),
		{Role: models.RoleAssistant, Content: []models.ContentBlock{
			models.NewToolUseBlock("tu_1", "t", json.RawMessage(`{}`)),
		}},
		models.NewUserBlocks(models.NewToolResultBlock("tu_1", "r", false)),
	}
	out := CompressToolRounds(history, 2)
	if !out[1].HasToolUse() {
		t.Error("single round must not be compressed")
	}
}
