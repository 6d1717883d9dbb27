package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/dockbrain/internal/auth"
	"github.com/basket/dockbrain/internal/gateway"
	"github.com/basket/dockbrain/internal/persistence"
)

// TelegramChannel long-polls the Bot API and pushes messages through the
// gateway. Unpaired chats can only run /pair; everything else is silent.
type TelegramChannel struct {
	token   string
	gw      *gateway.Gateway
	pairing *auth.Pairing
	store   *persistence.Store
	logger  *slog.Logger
	bot     *tgbotapi.BotAPI
}

func NewTelegramChannel(token string, gw *gateway.Gateway, pairing *auth.Pairing, store *persistence.Store, logger *slog.Logger) *TelegramChannel {
	return &TelegramChannel{
		token:   token,
		gw:      gw,
		pairing: pairing,
		store:   store,
		logger:  logger.With("component", "telegram"),
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or nothing arrives within 2.5x the long-poll timeout. The library
// blocks on a dead connection instead of closing the channel, so a stall
// timer is the only reliable disconnect signal.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, open := <-updates:
			if !open {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		t.handleCommand(ctx, msg, text)
		return
	}

	t.gw.ProcessMessage(ctx, msg.Chat.ID, int64(msg.MessageID), text)
}

func (t *TelegramChannel) handleCommand(ctx context.Context, msg *tgbotapi.Message, text string) {
	chatID := msg.Chat.ID
	parts := strings.Fields(text)
	command := strings.ToLower(parts[0])

	switch command {
	case "/start":
		t.send(chatID, "Hi! I am your assistant. Pair this chat with /pair <token> to get started.")

	case "/help":
		t.send(chatID, "Commands:\n"+
			"/pair <token> - link this chat using a pairing token\n"+
			"/status - show your pairing and recent tasks\n"+
			"/help - this message\n\n"+
			"Anything else is treated as a request.")

	case "/pair":
		if len(parts) < 2 {
			t.send(chatID, "Usage: /pair <token>")
			return
		}
		user, err := t.pairing.Pair(ctx, parts[1], chatID, displayNameFor(msg))
		if err != nil {
			t.logger.Warn("pairing failed", "chat_id", chatID, "error", err)
			t.send(chatID, "Pairing failed. Check the token and try again.")
			return
		}
		t.send(chatID, fmt.Sprintf("Paired. You are registered as %s (%s).", user.DisplayName, user.Role))

	case "/status":
		user, paired := t.pairing.IsPaired(ctx, chatID)
		if !paired {
			t.send(chatID, "This chat is not paired. Use /pair <token>.")
			return
		}
		tasks, err := t.store.ListTasksByUser(ctx, user.ID, 5)
		if err != nil {
			t.logger.Error("status task lookup failed", "user_id", user.ID, "error", err)
			t.send(chatID, "Status unavailable right now.")
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "User: %s\nRole: %s\n", user.DisplayName, user.Role)
		if len(tasks) == 0 {
			b.WriteString("No tasks yet.")
		} else {
			b.WriteString("Recent tasks:\n")
			for _, task := range tasks {
				desc := task.Description
				if len(desc) > 40 {
					desc = desc[:40] + "..."
				}
				fmt.Fprintf(&b, "- [%s] %s\n", task.Status, desc)
			}
		}
		t.send(chatID, strings.TrimRight(b.String(), "\n"))

	default:
		t.send(chatID, "Unknown command. Try /help.")
	}
}

// Deliver sends a task's final response to the user's chat. It is wired as the
// gateway's completion callback.
func (t *TelegramChannel) Deliver(ctx context.Context, userID, taskID, text string) {
	user, err := t.store.GetUser(ctx, userID)
	if err != nil {
		t.logger.Error("deliver: user lookup failed", "user_id", userID, "task_id", taskID, "error", err)
		return
	}
	t.send(user.TelegramChatID, text)
}

func displayNameFor(msg *tgbotapi.Message) string {
	if msg.From == nil {
		return "unknown"
	}
	if msg.From.UserName != "" {
		return msg.From.UserName
	}
	if msg.From.FirstName != "" {
		return msg.From.FirstName
	}
	return "unknown"
}

func (t *TelegramChannel) send(chatID int64, text string) {
	if t.bot == nil {
		t.logger.Warn("send before bot init dropped", "chat_id", chatID)
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "chat_id", chatID, "error", err)
	}
}
