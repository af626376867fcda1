// Package commands provides slash command detection and routing.
// Command turns run in place and never enqueue an agent invocation.
package commands

import "context"

// Command is a registered slash command.
type Command struct {
	// Name is the command name without the leading slash.
	Name string

	// Aliases are alternative names, Chinese forms included.
	Aliases []string

	// Description is shown by /help.
	Description string

	// Handler executes the command.
	Handler Handler
}

// Handler processes one command invocation.
type Handler func(ctx context.Context, inv *Invocation) (*Result, error)

// Invocation is a parsed command with its chat context.
type Invocation struct {
	// Name is the actual name or alias used.
	Name string

	// Args is the text after the command name, trimmed.
	Args string

	// RawText is the original message text.
	RawText string

	ChatID      string
	GroupFolder string
	UserID      string
	IsMain      bool
}

// Result is the output of a command execution.
type Result struct {
	// Text is the reply to send back to the chat.
	Text string

	// Error is set when the command failed in an expected way.
	Error string
}
