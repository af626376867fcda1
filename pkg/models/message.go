// Package models defines the shared data model of the FlashClaw runtime:
// platform messages, the LLM view of a conversation, registered chats,
// scheduled tasks and session statistics.
package models

import "time"

// Platform identifies the chat platform a message arrived on.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformFeishu   Platform = "feishu"
	PlatformDingTalk Platform = "dingtalk"
	PlatformTerminal Platform = "terminal"
)

// ChatType distinguishes direct chats from group chats.
type ChatType string

const (
	ChatTypeP2P   ChatType = "p2p"
	ChatTypeGroup ChatType = "group"
)

// AttachmentType classifies a message attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentVideo AttachmentType = "video"
	AttachmentAudio AttachmentType = "audio"
	AttachmentFile  AttachmentType = "file"
)

// Message is the normalised inbound message shape shared by all channels.
// ID is unique within a chat; duplicates are dropped at dispatch.
type Message struct {
	ID               string       `json:"id"`
	ChatID           string       `json:"chat_id"`
	SenderID         string       `json:"sender_id"`
	SenderName       string       `json:"sender_name,omitempty"`
	Content          string       `json:"content"`
	Timestamp        time.Time    `json:"timestamp"`
	ChatType         ChatType     `json:"chat_type"`
	Platform         Platform     `json:"platform"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	Mentions         []string     `json:"mentions,omitempty"`
	ReplyToMessageID string       `json:"reply_to_message_id,omitempty"`
}

// Attachment carries media alongside a message. Content holds the payload
// (base64 or a data URL) when the adapter downloaded it.
type Attachment struct {
	Type     AttachmentType `json:"type"`
	Content  string         `json:"content,omitempty"`
	MimeType string         `json:"mime_type,omitempty"`
	FileName string         `json:"file_name,omitempty"`
}

// HasImages reports whether any attachment is an image.
func (m *Message) HasImages() bool {
	for _, a := range m.Attachments {
		if a.Type == AttachmentImage {
			return true
		}
	}
	return false
}

// ImageAttachments returns the image attachments in order.
func (m *Message) ImageAttachments() []Attachment {
	var imgs []Attachment
	for _, a := range m.Attachments {
		if a.Type == AttachmentImage {
			imgs = append(imgs, a)
		}
	}
	return imgs
}
