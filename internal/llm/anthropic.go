package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/flashclaw/flashclaw/pkg/models"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint when set.
	BaseURL string

	// Model is the initial model id. Default: claude-sonnet-4-20250514.
	Model string

	// MaxRetries bounds stream-creation retries. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff between retries. Default: 1s.
	RetryDelay time.Duration
}

// anthropicModel describes one known Claude model.
type anthropicModel struct {
	contextSize    int
	supportsVision bool
}

var anthropicModels = map[string]anthropicModel{
	"claude-sonnet-4-20250514":   {200000, true},
	"claude-opus-4-20250514":     {200000, true},
	"claude-3-5-sonnet-20241022": {200000, true},
	"claude-3-5-haiku-20241022":  {200000, true},
	"claude-3-opus-20240229":     {200000, true},
	"claude-3-haiku-20240307":    {200000, true},
}

// AnthropicProvider implements Provider on the Anthropic Messages API.
// Safe for concurrent use; each ChatStream call owns its own stream.
type AnthropicProvider struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration

	mu    sync.RWMutex
	model string
}

// NewAnthropicProvider validates the config and builds the provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.Model == "" {
		config.Model = "claude-sonnet-4-20250514"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:     anthropic.NewClient(options...),
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
		model:      config.Model,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Model() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *AnthropicProvider) SetModel(model string) {
	if model == "" {
		return
	}
	p.mu.Lock()
	p.model = model
	p.mu.Unlock()
}

func (p *AnthropicProvider) ContextWindow(model string) int {
	if model == "" {
		model = p.Model()
	}
	if m, ok := anthropicModels[model]; ok {
		return m.contextSize
	}
	return 200000
}

func (p *AnthropicProvider) SupportsVision(model string) bool {
	if model == "" {
		model = p.Model()
	}
	if m, ok := anthropicModels[model]; ok {
		return m.supportsVision
	}
	// Unknown Claude ids are assumed vision-capable like the rest of the family.
	return strings.HasPrefix(model, "claude-")
}

func (p *AnthropicProvider) Chat(ctx context.Context, msgs []models.ChatMessage, opts Options) (*Response, error) {
	return chat(ctx, p, msgs, opts)
}

// ChatStream starts a streaming call. Retries with exponential backoff
// when the stream fails before producing any event.
func (p *AnthropicProvider) ChatStream(ctx context.Context, msgs []models.ChatMessage, opts Options) (<-chan StreamEvent, error) {
	params, err := p.buildParams(msgs, opts)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		for attempt := 0; ; attempt++ {
			stream = p.client.Messages.NewStreaming(ctx, params)
			err := stream.Err()
			if err == nil {
				break
			}
			if attempt >= p.maxRetries || !isRetryable(err) {
				events <- StreamEvent{Type: EventError, Err: fmt.Errorf("anthropic: %w", err)}
				return
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				events <- StreamEvent{Type: EventError, Err: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}

		p.processStream(stream, events)
	}()
	return events, nil
}

func (p *AnthropicProvider) buildParams(msgs []models.ChatMessage, opts Options) (anthropic.MessageNewParams, error) {
	converted, err := convertAnthropicMessages(msgs)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.Model()),
		Messages:  converted,
		MaxTokens: int64(maxTokens),
	}
	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: opts.System}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(opts.Temperature))
	}
	if len(opts.Tools) > 0 {
		tools, err := convertAnthropicTools(opts.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// maxEmptyStreamEvents guards against malformed streams that flood with
// events carrying no payload.
const maxEmptyStreamEvents = 300

// processStream converts SSE events into StreamEvents while assembling
// the final message: text deltas stream out immediately, tool-argument
// JSON fragments accumulate per content block and finalise on
// content_block_stop, and exactly one done event closes the stream.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- StreamEvent) {
	var (
		blocks      []models.ContentBlock
		currentTool *ToolUse
		currentText strings.Builder
		inputJSON   strings.Builder
		inTextBlock bool

		usage      models.TokenUsage
		stopReason string
		emptyCount int
	)

	flushText := func() {
		if inTextBlock {
			blocks = append(blocks, models.NewTextBlock(currentText.String()))
			currentText.Reset()
			inTextBlock = false
		}
	}

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.InputTokens = start.Message.Usage.InputTokens
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "text":
				inTextBlock = true
				processed = true
			case "tool_use":
				toolUse := block.AsToolUse()
				currentTool = &ToolUse{ID: toolUse.ID, Name: toolUse.Name}
				inputJSON.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					currentText.WriteString(delta.Text)
					events <- StreamEvent{Type: EventText, Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					inputJSON.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				input := inputJSON.String()
				if input == "" {
					input = "{}"
				}
				currentTool.Input = json.RawMessage(input)
				blocks = append(blocks, models.NewToolUseBlock(currentTool.ID, currentTool.Name, currentTool.Input))
				events <- StreamEvent{Type: EventToolUse, ToolUse: currentTool}
				currentTool = nil
				processed = true
			} else {
				flushText()
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = delta.Usage.OutputTokens
			}
			if delta.Delta.StopReason != "" {
				stopReason = string(delta.Delta.StopReason)
			}
			processed = true

		case "message_stop":
			flushText()
			if stopReason == "" {
				stopReason = StopEndTurn
			}
			events <- StreamEvent{Type: EventDone, Done: &Response{
				Message:    models.ChatMessage{Role: models.RoleAssistant, Content: blocks},
				StopReason: stopReason,
				Usage:      usage,
			}}
			return

		case "error":
			events <- StreamEvent{Type: EventError, Err: errors.New("anthropic: stream error")}
			return
		}

		if processed {
			emptyCount = 0
		} else {
			emptyCount++
			if emptyCount >= maxEmptyStreamEvents {
				events <- StreamEvent{Type: EventError,
					Err: fmt.Errorf("anthropic: malformed stream: %d consecutive empty events", emptyCount)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		events <- StreamEvent{Type: EventError, Err: fmt.Errorf("anthropic: %w", err)}
		return
	}
	events <- StreamEvent{Type: EventError, Err: ErrEmptyStream}
}

// convertAnthropicMessages maps the internal block union onto the SDK's
// content block params. tool_use/tool_result pairing is preserved as-is.
func convertAnthropicMessages(msgs []models.ChatMessage) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		var content []anthropic.ContentBlockParamUnion
		for _, b := range msg.Content {
			switch b.Type {
			case models.BlockText:
				content = append(content, anthropic.NewTextBlock(b.Text))
			case models.BlockImage:
				content = append(content, anthropic.NewImageBlockBase64(b.MediaType, b.Data))
			case models.BlockToolUse:
				var input map[string]any
				if err := json.Unmarshal(b.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: invalid tool input for %s: %w", b.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(specs []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", spec.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s", spec.Name)
		}
		param.OfTool.Description = anthropic.String(spec.Description)
		result = append(result, param)
	}
	return result, nil
}

// isRetryable classifies transient API failures by message substring, the
// same way the outer agent retry policy does.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate_limit", "rate limit", "429", "too many requests",
		"overloaded", "529", "500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
