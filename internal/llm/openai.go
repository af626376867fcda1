package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/flashclaw/flashclaw/pkg/models"
)

// OpenAIConfig configures the OpenAI-style provider. It also serves
// compatible endpoints via BaseURL.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string

	// Model is the initial model id. Default: gpt-4o.
	Model string

	// MaxRetries bounds stream-creation retries. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff between retries. Default: 1s.
	RetryDelay time.Duration
}

type openaiModel struct {
	contextSize    int
	supportsVision bool
}

var openaiModels = map[string]openaiModel{
	"gpt-4o":        {128000, true},
	"gpt-4o-mini":   {128000, true},
	"gpt-4-turbo":   {128000, true},
	"gpt-4":         {8192, false},
	"gpt-3.5-turbo": {16385, false},
}

// OpenAIProvider implements Provider on the chat-completions API. The
// observable contract matches the Anthropic provider: tool calls surface
// as tool_use events in emission order and exactly one done event closes
// the stream.
type OpenAIProvider struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration

	mu    sync.RWMutex
	model string
}

// NewOpenAIProvider validates the config and builds the provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.Model == "" {
		config.Model = "gpt-4o"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientConfig),
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
		model:      config.Model,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Model() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *OpenAIProvider) SetModel(model string) {
	if model == "" {
		return
	}
	p.mu.Lock()
	p.model = model
	p.mu.Unlock()
}

func (p *OpenAIProvider) ContextWindow(model string) int {
	if model == "" {
		model = p.Model()
	}
	if m, ok := openaiModels[model]; ok {
		return m.contextSize
	}
	return 128000
}

func (p *OpenAIProvider) SupportsVision(model string) bool {
	if model == "" {
		model = p.Model()
	}
	if m, ok := openaiModels[model]; ok {
		return m.supportsVision
	}
	return false
}

func (p *OpenAIProvider) Chat(ctx context.Context, msgs []models.ChatMessage, opts Options) (*Response, error) {
	return chat(ctx, p, msgs, opts)
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, msgs []models.ChatMessage, opts Options) (<-chan StreamEvent, error) {
	req := openai.ChatCompletionRequest{
		Model:    p.Model(),
		Messages: convertOpenAIMessages(msgs, opts.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = opts.Temperature
	}
	if len(opts.Tools) > 0 {
		req.Tools = convertOpenAITools(opts.Tools)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		var stream *openai.ChatCompletionStream
		var err error
		for attempt := 0; ; attempt++ {
			stream, err = p.client.CreateChatCompletionStream(ctx, req)
			if err == nil {
				break
			}
			if attempt >= p.maxRetries || !isRetryable(err) {
				events <- StreamEvent{Type: EventError, Err: fmt.Errorf("openai: %w", err)}
				return
			}
			select {
			case <-ctx.Done():
				events <- StreamEvent{Type: EventError, Err: ctx.Err()}
				return
			case <-time.After(p.retryDelay * time.Duration(attempt+1)):
			}
		}
		defer stream.Close()

		p.processStream(ctx, stream, events)
	}()
	return events, nil
}

// processStream accumulates text and incrementally streamed tool-call
// fragments (indexed by the API's tool-call index) into the final message.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- StreamEvent) {
	var (
		text       strings.Builder
		usage      models.TokenUsage
		stopReason = StopEndTurn
	)
	toolCalls := make(map[int]*ToolUse)
	toolArgs := make(map[int]*strings.Builder)
	var toolOrder []int

	finish := func() {
		var blocks []models.ContentBlock
		if text.Len() > 0 {
			blocks = append(blocks, models.NewTextBlock(text.String()))
		}
		for _, idx := range toolOrder {
			tc := toolCalls[idx]
			input := toolArgs[idx].String()
			if input == "" {
				input = "{}"
			}
			tc.Input = json.RawMessage(input)
			blocks = append(blocks, models.NewToolUseBlock(tc.ID, tc.Name, tc.Input))
			events <- StreamEvent{Type: EventToolUse, ToolUse: tc}
		}
		events <- StreamEvent{Type: EventDone, Done: &Response{
			Message:    models.ChatMessage{Role: models.RoleAssistant, Content: blocks},
			StopReason: stopReason,
			Usage:      usage,
		}}
	}

	for {
		select {
		case <-ctx.Done():
			events <- StreamEvent{Type: EventError, Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				finish()
				return
			}
			events <- StreamEvent{Type: EventError, Err: fmt.Errorf("openai: %w", err)}
			return
		}

		if response.Usage != nil {
			usage.InputTokens = int64(response.Usage.PromptTokens)
			usage.OutputTokens = int64(response.Usage.CompletionTokens)
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			events <- StreamEvent{Type: EventText, Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &ToolUse{}
				toolArgs[index] = &strings.Builder{}
				toolOrder = append(toolOrder, index)
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolArgs[index].WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			stopReason = StopToolUse
		}
	}
}

// convertOpenAIMessages flattens the block union into the OpenAI shape:
// the system prompt becomes the first message, assistant tool_use blocks
// become tool_calls, and each tool_result becomes a separate tool-role
// message, in block order so the pairing survives.
func convertOpenAIMessages(msgs []models.ChatMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range msgs {
		if msg.Role == models.RoleAssistant {
			out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, b := range msg.Content {
				switch b.Type {
				case models.BlockText:
					out.Content += b.Text
				case models.BlockToolUse:
					out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
						ID:   b.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      b.Name,
							Arguments: string(b.Input),
						},
					})
				}
			}
			result = append(result, out)
			continue
		}

		// User messages: tool results split off into tool-role messages,
		// images ride along as multi-content parts.
		var parts []openai.ChatMessagePart
		var plain strings.Builder
		var toolMsgs []openai.ChatCompletionMessage
		hasImages := false

		for _, b := range msg.Content {
			switch b.Type {
			case models.BlockText:
				plain.WriteString(b.Text)
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: b.Text,
				})
			case models.BlockImage:
				hasImages = true
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", b.MediaType, b.Data),
					},
				})
			case models.BlockToolResult:
				toolMsgs = append(toolMsgs, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: b.ToolUseID,
					Content:    b.Content,
				})
			}
		}

		result = append(result, toolMsgs...)
		if hasImages {
			result = append(result, openai.ChatCompletionMessage{
				Role:         openai.ChatMessageRoleUser,
				MultiContent: parts,
			})
		} else if plain.Len() > 0 {
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: plain.String(),
			})
		}
	}
	return result
}

func convertOpenAITools(specs []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.InputSchema,
			},
		})
	}
	return result
}
