package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/abdulraoufatia/atlasbridge/internal/redact"
)

// Slack delivers prompts over Socket Mode direct messages. Button layouts
// are rendered as a choice list in the message text; replies arrive as
// plain messages in the DM.
type Slack struct {
	BaseChannel
	api    *slack.Client
	sock   *socketmode.Client
	users  []string
	lock   *PollLock
	cancel context.CancelFunc
	done   chan struct{}

	// dmCache maps user ID -> opened DM channel ID.
	dmCache map[string]string
}

// NewSlack builds the channel. lockDir guards the app token against a
// second Socket Mode consumer; pass "" to skip locking (tests).
func NewSlack(botToken, appToken string, allowedUsers []string, lockDir string) (*Slack, error) {
	var lock *PollLock
	if lockDir != "" {
		var err error
		lock, err = AcquirePollLock(lockDir, "slack", appToken)
		if err != nil {
			return nil, err
		}
	}
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	return &Slack{
		BaseChannel: NewBaseChannel("slack", allowedUsers),
		api:         api,
		sock:        socketmode.New(api),
		users:       allowedUsers,
		lock:        lock,
		dmCache:     make(map[string]string),
	}, nil
}

// Start runs the Socket Mode client and the event consumer.
func (s *Slack) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		if err := s.sock.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack socket mode exited", "error", err)
		}
	}()
	go func() {
		defer close(s.done)
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-s.sock.Events:
				if !ok {
					return
				}
				s.handleEvent(evt)
			}
		}
	}()
	slog.Info("slack channel connected")
	return nil
}

func (s *Slack) handleEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			s.sock.Ack(*evt.Request)
		}
		inner, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
		if !ok || inner.BotID != "" || inner.Text == "" {
			return
		}
		s.Deliver(Reply{
			Value:      inner.Text,
			Nonce:      "sl-msg-" + inner.Channel + "-" + inner.TimeStamp,
			Identity:   "slack:" + inner.User,
			ThreadID:   inner.Channel,
			Channel:    "slack",
			ReceivedAt: time.Now(),
		})
	case socketmode.EventTypeConnectionError:
		slog.Warn("slack connection error", "data", fmt.Sprint(evt.Data))
	}
}

// Stop cancels the Socket Mode client.
func (s *Slack) Stop(_ context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		select {
		case <-s.done:
		case <-time.After(10 * time.Second):
			slog.Warn("slack event consumer did not exit in time")
		}
	}
	return s.lock.Release()
}

// dmFor opens (or returns the cached) DM channel for a user.
func (s *Slack) dmFor(ctx context.Context, user string) (string, error) {
	if id, ok := s.dmCache[user]; ok {
		return id, nil
	}
	ch, _, _, err := s.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{user}})
	if err != nil {
		return "", fmt.Errorf("open dm with %s: %w", user, err)
	}
	s.dmCache[user] = ch.ID
	return ch.ID, nil
}

// DMThreads opens (or returns cached) DM channels for every allowlisted
// user. The run command binds these thread IDs into the conversation
// registry at session start.
func (s *Slack) DMThreads(ctx context.Context) []string {
	var out []string
	for _, user := range s.users {
		dm, err := s.dmFor(ctx, user)
		if err != nil {
			slog.Warn("slack dm open failed", "user", user, "error", err)
			continue
		}
		out = append(out, dm)
	}
	return out
}

// SendPrompt DMs every allowlisted user. Message IDs are
// "{channel_id}/{ts}" for later edits.
func (s *Slack) SendPrompt(ctx context.Context, p Prompt) (string, error) {
	text := formatPrompt(p)
	if len(p.Choices) > 0 {
		var b strings.Builder
		b.WriteString(text)
		b.WriteString("\n")
		for i, c := range p.Choices {
			fmt.Fprintf(&b, "\n%d. %s", i+1, c)
		}
		b.WriteString("\n\nReply with the number of your choice.")
		text = b.String()
	}

	var firstID string
	var firstErr error
	for _, user := range s.users {
		dm, err := s.dmFor(ctx, user)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		_, ts, err := s.api.PostMessageContext(ctx, dm, slack.MsgOptionText(text, false))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if firstID == "" {
			firstID = dm + "/" + ts
		}
	}
	if firstID == "" {
		return "", fmt.Errorf("slack: prompt delivery failed: %w", firstErr)
	}
	return firstID, nil
}

// Notify DMs free-form text to every allowlisted user.
func (s *Slack) Notify(ctx context.Context, text, sessionID string) error {
	return s.broadcast(ctx, redact.Redact(text))
}

// SendOutput forwards batched session output.
func (s *Slack) SendOutput(ctx context.Context, text, sessionID string) error {
	return s.broadcast(ctx, "```"+redact.Redact(text)+"```")
}

func (s *Slack) broadcast(ctx context.Context, text string) error {
	var firstErr error
	sent := false
	for _, user := range s.users {
		dm, err := s.dmFor(ctx, user)
		if err == nil {
			_, _, err = s.api.PostMessageContext(ctx, dm, slack.MsgOptionText(text, false))
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent = true
	}
	if !sent && firstErr != nil {
		return fmt.Errorf("slack: send failed: %w", firstErr)
	}
	return nil
}

// EditPromptMessage rewrites a previously sent prompt message.
func (s *Slack) EditPromptMessage(ctx context.Context, messageID, newText string) error {
	channelID, ts, ok := strings.Cut(messageID, "/")
	if !ok {
		return fmt.Errorf("slack: malformed message id %q", messageID)
	}
	_, _, _, err := s.api.UpdateMessageContext(ctx, channelID, ts, slack.MsgOptionText(redact.Redact(newText), false))
	return err
}
