// Package channels defines the platform adapter contract and the
// inbound/outbound dispatch that connects adapters to the agent.
package channels

import (
	"context"
	"fmt"

	"github.com/flashclaw/flashclaw/pkg/models"
)

// Handler receives one normalised inbound message. Handlers must be
// reentrant: adapters may call them from concurrent goroutines.
type Handler func(msg *models.Message)

// SendResult reports the outcome of an outbound send.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Channel is the adapter contract every platform implements. Optional
// capabilities (MessageUpdater, MessageDeleter, ImageSender) are
// discovered with interface upgrades.
type Channel interface {
	// Name identifies the adapter instance.
	Name() string

	// Platform is the platform this adapter serves.
	Platform() models.Platform

	// Start begins receiving messages. It returns once the adapter is
	// running; delivery happens through the OnMessage handler.
	Start(ctx context.Context) error

	// Stop shuts the adapter down, bounded by ctx.
	Stop(ctx context.Context) error

	// OnMessage registers the inbound handler. Must be called before Start.
	OnMessage(h Handler)

	// SendMessage delivers text to a chat and returns the composite
	// message id "<chatId>:<platformMessageId>" on success.
	SendMessage(ctx context.Context, chatID, text string) (SendResult, error)
}

// MessageUpdater edits a previously sent message in place.
type MessageUpdater interface {
	UpdateMessage(ctx context.Context, messageID, text string) error
}

// MessageDeleter removes a previously sent message.
type MessageDeleter interface {
	DeleteMessage(ctx context.Context, messageID string) error
}

// ImageSender sends an image with an optional caption. Data is base64.
type ImageSender interface {
	SendImage(ctx context.Context, chatID, data, caption string) (SendResult, error)
}

// ComposeMessageID builds the composite id used by update/delete so they
// can route without a session table.
func ComposeMessageID(chatID string, platformMessageID string) string {
	return chatID + ":" + platformMessageID
}

// SplitMessageID splits a composite message id. The platform part may
// itself contain colons, so only the last separator counts.
func SplitMessageID(messageID string) (chatID, platformMessageID string, err error) {
	for i := len(messageID) - 1; i >= 0; i-- {
		if messageID[i] == ':' {
			return messageID[:i], messageID[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed message id %q", messageID)
}
