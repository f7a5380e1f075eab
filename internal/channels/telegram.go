package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/abdulraoufatia/atlasbridge/internal/redact"
)

// callbackPrefix tags inline-keyboard callback data so stray callbacks from
// other bots sharing a chat are ignored.
const callbackPrefix = "ab1"

// Telegram delivers prompts to allowlisted users over direct messages and
// receives replies via long polling: text messages for free-form answers,
// inline-keyboard callbacks for button answers.
type Telegram struct {
	BaseChannel
	bot          *telego.Bot
	allowedUsers []int64
	lock         *PollLock

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewTelegram builds the channel. lockDir guards the bot token against a
// second polling process; pass "" to skip locking (tests).
func NewTelegram(token string, allowedUsers []int64, lockDir string) (*Telegram, error) {
	var lock *PollLock
	if lockDir != "" {
		var err error
		lock, err = AcquirePollLock(lockDir, "telegram", token)
		if err != nil {
			return nil, err
		}
	}
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		if lock != nil {
			lock.Release()
		}
		return nil, fmt.Errorf("telegram: %w", redactTokenErr(err, token))
	}
	allow := make([]string, len(allowedUsers))
	for i, u := range allowedUsers {
		allow[i] = strconv.FormatInt(u, 10)
	}
	return &Telegram{
		BaseChannel:  NewBaseChannel("telegram", allow),
		bot:          bot,
		allowedUsers: allowedUsers,
		lock:         lock,
	}, nil
}

// redactTokenErr scrubs the bot token out of client errors, which telego
// embeds in request URLs.
func redactTokenErr(err error, token string) error {
	if err == nil {
		return nil
	}
	msg := strings.ReplaceAll(err.Error(), token, redact.Redacted)
	return fmt.Errorf("%s", redact.Redact(msg))
}

// Start begins long polling for updates.
func (t *Telegram) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	t.pollCancel = cancel
	t.pollDone = make(chan struct{})

	updates, err := t.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}
	slog.Info("telegram channel connected")

	go func() {
		defer close(t.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				switch {
				case update.Message != nil:
					t.handleMessage(update.Message)
				case update.CallbackQuery != nil:
					t.handleCallback(pollCtx, update.CallbackQuery)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the poll goroutine so Telegram
// releases the getUpdates lock before another instance starts.
func (t *Telegram) Stop(_ context.Context) error {
	if t.pollCancel != nil {
		t.pollCancel()
	}
	if t.pollDone != nil {
		select {
		case <-t.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram poll goroutine did not exit in time")
		}
	}
	return t.lock.Release()
}

func (t *Telegram) handleMessage(msg *telego.Message) {
	if msg.From == nil || msg.Text == "" {
		return
	}
	userID := strconv.FormatInt(msg.From.ID, 10)
	t.Deliver(Reply{
		Value:      msg.Text,
		Nonce:      fmt.Sprintf("tg-msg-%d-%d", msg.Chat.ID, msg.MessageID),
		Identity:   "telegram:" + userID,
		ThreadID:   strconv.FormatInt(msg.Chat.ID, 10),
		Channel:    "telegram",
		ReceivedAt: time.Now(),
	})
}

func (t *Telegram) handleCallback(ctx context.Context, q *telego.CallbackQuery) {
	defer t.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: q.ID})

	parts := strings.SplitN(q.Data, "|", 3)
	if len(parts) != 3 || parts[0] != callbackPrefix {
		return
	}
	promptID, value := parts[1], parts[2]
	threadID := ""
	if q.Message != nil {
		threadID = strconv.FormatInt(q.Message.GetChat().ID, 10)
	}
	t.Deliver(Reply{
		PromptID:   promptID,
		Value:      value,
		Nonce:      "tg-cb-" + q.ID,
		Identity:   "telegram:" + strconv.FormatInt(q.From.ID, 10),
		ThreadID:   threadID,
		Channel:    "telegram",
		ReceivedAt: time.Now(),
	})
}

// SendPrompt DMs every allowlisted user; the first delivered message is the
// one later edits target. Message IDs are "{chat_id}/{message_id}".
func (t *Telegram) SendPrompt(ctx context.Context, p Prompt) (string, error) {
	text := formatPrompt(p)
	markup := t.keyboardFor(p)

	var firstID string
	var firstErr error
	for _, user := range t.allowedUsers {
		params := tu.Message(tu.ID(user), text)
		if markup != nil {
			params = params.WithReplyMarkup(markup)
		}
		msg, err := t.bot.SendMessage(ctx, params)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if firstID == "" {
			firstID = fmt.Sprintf("%d/%d", msg.Chat.ID, msg.MessageID)
		}
	}
	if firstID == "" {
		return "", fmt.Errorf("telegram: prompt delivery failed: %w", firstErr)
	}
	return firstID, nil
}

func (t *Telegram) keyboardFor(p Prompt) *telego.InlineKeyboardMarkup {
	button := func(label, value string) telego.InlineKeyboardButton {
		return tu.InlineKeyboardButton(label).
			WithCallbackData(fmt.Sprintf("%s|%s|%s", callbackPrefix, p.PromptID, value))
	}
	switch p.ButtonLayout {
	case "yes_no":
		return tu.InlineKeyboard(tu.InlineKeyboardRow(button("Yes", "y"), button("No", "n")))
	case "confirm_enter":
		return tu.InlineKeyboard(tu.InlineKeyboardRow(button("Continue", "")))
	case "numbered", "trust_folder":
		var rows [][]telego.InlineKeyboardButton
		for i, choice := range p.Choices {
			label := fmt.Sprintf("%d. %s", i+1, truncateLabel(choice, 32))
			rows = append(rows, tu.InlineKeyboardRow(button(label, strconv.Itoa(i+1))))
		}
		if len(rows) == 0 {
			return nil
		}
		return tu.InlineKeyboard(rows...)
	default:
		return nil
	}
}

// Notify DMs free-form text to every allowlisted user.
func (t *Telegram) Notify(ctx context.Context, text, sessionID string) error {
	return t.broadcast(ctx, redact.Redact(text))
}

// SendOutput forwards batched session output.
func (t *Telegram) SendOutput(ctx context.Context, text, sessionID string) error {
	return t.broadcast(ctx, redact.Redact(text))
}

func (t *Telegram) broadcast(ctx context.Context, text string) error {
	var firstErr error
	sent := false
	for _, user := range t.allowedUsers {
		if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(user), text)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent = true
	}
	if !sent && firstErr != nil {
		return fmt.Errorf("telegram: send failed: %w", firstErr)
	}
	return nil
}

// EditPromptMessage rewrites a previously sent prompt message, clearing its
// keyboard.
func (t *Telegram) EditPromptMessage(ctx context.Context, messageID, newText string) error {
	chatPart, msgPart, ok := strings.Cut(messageID, "/")
	if !ok {
		return fmt.Errorf("telegram: malformed message id %q", messageID)
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: malformed chat id: %w", err)
	}
	msgID, err := strconv.Atoi(msgPart)
	if err != nil {
		return fmt.Errorf("telegram: malformed message number: %w", err)
	}
	_, err = t.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
		Text:      redact.Redact(newText),
	})
	return err
}

func formatPrompt(p Prompt) string {
	var b strings.Builder
	label := p.SessionLabel
	if label == "" {
		label = p.Tool
	}
	if p.Ambiguous {
		fmt.Fprintf(&b, "⏸ %s may be waiting for input:\n\n", label)
	} else {
		fmt.Fprintf(&b, "⏸ %s is waiting for input:\n\n", label)
	}
	b.WriteString(redact.Redact(p.Excerpt))
	if p.ButtonLayout == "none" || p.ButtonLayout == "" {
		b.WriteString("\n\nReply to this message with your answer.")
	}
	if !p.ExpiresAt.IsZero() {
		fmt.Fprintf(&b, "\n\nExpires %s.", p.ExpiresAt.Format("15:04:05"))
	}
	return b.String()
}

func truncateLabel(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
