package models

import "encoding/json"

// Role indicates the author of a ChatMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the content block union.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a ChatMessage's content. Exactly the
// fields for its Type are populated; the rest stay zero.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockImage
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`

	// BlockToolUse
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// NewTextBlock returns a text content block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// NewImageBlock returns an image block carrying base64 data.
func NewImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: BlockImage, MediaType: mediaType, Data: data}
}

// NewToolUseBlock returns a tool_use block as emitted by the model.
func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// NewToolResultBlock returns the tool_result block paired with a tool_use id.
func NewToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// ChatMessage is the LLM view of one conversation turn.
type ChatMessage struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewUserText builds a user message with a single text block.
func NewUserText(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: []ContentBlock{NewTextBlock(text)}}
}

// NewAssistantText builds an assistant message with a single text block.
func NewAssistantText(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: []ContentBlock{NewTextBlock(text)}}
}

// NewUserBlocks builds a user message from arbitrary blocks.
func NewUserBlocks(blocks ...ContentBlock) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: blocks}
}

// Text concatenates the text blocks of the message.
func (m ChatMessage) Text() string {
	out := ""
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// TextOnly reports whether every block is a text block.
func (m ChatMessage) TextOnly() bool {
	for _, b := range m.Content {
		if b.Type != BlockText {
			return false
		}
	}
	return true
}

// ToolUses returns the tool_use blocks in emission order.
func (m ChatMessage) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// ToolResults returns the tool_result blocks in order.
func (m ChatMessage) ToolResults() []ContentBlock {
	var results []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			results = append(results, b)
		}
	}
	return results
}

// HasToolUse reports whether the message contains any tool_use block.
func (m ChatMessage) HasToolUse() bool {
	return len(m.ToolUses()) > 0
}

// Clone returns a deep-enough copy: the block slice is copied so callers
// can append or rewrite blocks without aliasing the original.
func (m ChatMessage) Clone() ChatMessage {
	blocks := make([]ContentBlock, len(m.Content))
	copy(blocks, m.Content)
	return ChatMessage{Role: m.Role, Content: blocks}
}
