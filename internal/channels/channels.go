// Package channels connects the supervisor to remote humans over chat
// platforms. Each backend implements the Channel interface; MultiChannel
// fans sends out in parallel and merges the reply streams (§6 "Channels").
package channels

import (
	"context"
	"time"
)

// Reply is one inbound human message, normalized across backends. PromptID
// is empty for free chat. Identity is "channel:user_id".
type Reply struct {
	PromptID   string
	SessionID  string
	Value      string
	Nonce      string
	Identity   string
	ThreadID   string
	Channel    string
	ReceivedAt time.Time
}

// Prompt is the channel-facing view of a detected prompt.
type Prompt struct {
	PromptID     string
	SessionID    string
	SessionLabel string
	Tool         string
	Type         string
	Excerpt      string
	Choices      []string
	ButtonLayout string
	Ambiguous    bool
	ExpiresAt    time.Time
}

// Channel is one chat backend. Forward operations push to the human;
// Replies() is the merged return stream, running for the life of the
// process.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendPrompt(ctx context.Context, p Prompt) (messageID string, err error)
	Notify(ctx context.Context, text, sessionID string) error
	SendOutput(ctx context.Context, text, sessionID string) error
	EditPromptMessage(ctx context.Context, messageID, newText string) error

	Replies() <-chan Reply
	IsAllowed(identity string) bool
}
