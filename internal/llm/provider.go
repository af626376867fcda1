// Package llm is the provider port: a streaming chat model that may emit
// tool_use blocks, plus the tool-use recursion loop shared by every
// provider implementation.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flashclaw/flashclaw/pkg/models"
)

// Stop reasons reported by providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Options tunes a single chat call.
type Options struct {
	System      string
	MaxTokens   int
	Temperature float32
	Tools       []ToolSpec
}

// EventType discriminates stream events.
type EventType string

const (
	EventText    EventType = "text"
	EventToolUse EventType = "tool_use"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// ToolUse is one completed tool invocation request from the model.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Response is the reconstructed result of one model call.
type Response struct {
	Message    models.ChatMessage
	StopReason string
	Usage      models.TokenUsage
}

// StreamEvent is one element of a model stream. Exactly one payload field
// is set per event; a stream ends with one done or one error event.
type StreamEvent struct {
	Type    EventType
	Text    string
	ToolUse *ToolUse
	Done    *Response
	Err     error
}

// Provider is the streaming chat contract.
type Provider interface {
	// Chat is the non-streaming convenience; it drains a stream internally.
	Chat(ctx context.Context, msgs []models.ChatMessage, opts Options) (*Response, error)

	// ChatStream starts a model call. The channel yields text and tool_use
	// events as they arrive and closes after exactly one done or error.
	ChatStream(ctx context.Context, msgs []models.ChatMessage, opts Options) (<-chan StreamEvent, error)

	Model() string
	SetModel(model string)
	ContextWindow(model string) int
	SupportsVision(model string) bool
	Name() string
}

// ErrEmptyStream is returned when a stream closes without a done event.
var ErrEmptyStream = errors.New("llm: stream ended without done event")

// Collect drains a stream into a Response, invoking heartbeat (when
// non-nil) on every event and onText on every text delta.
func Collect(events <-chan StreamEvent, heartbeat func(), onText func(string)) (*Response, error) {
	for ev := range events {
		if heartbeat != nil {
			heartbeat()
		}
		switch ev.Type {
		case EventText:
			if onText != nil {
				onText(ev.Text)
			}
		case EventError:
			return nil, ev.Err
		case EventDone:
			return ev.Done, nil
		}
	}
	return nil, ErrEmptyStream
}

// ExtractText concatenates the text blocks of a message.
func ExtractText(msg models.ChatMessage) string {
	return msg.Text()
}

// chat implements the non-streaming convenience shared by providers.
func chat(ctx context.Context, p Provider, msgs []models.ChatMessage, opts Options) (*Response, error) {
	events, err := p.ChatStream(ctx, msgs, opts)
	if err != nil {
		return nil, err
	}
	resp, err := Collect(events, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Name(), err)
	}
	return resp, nil
}
