package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxTelegramMessage = 4096

// TargetPrefix is the delivery prefix handled by the notifier.
const TargetPrefix = "telegram:"

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// StatusFunc produces the reply to the /status command.
type StatusFunc func(ctx context.Context) (string, error)

// Notifier sends processing notifications to Telegram chats and answers
// /status from the configured chat.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	send   sender
	chatID int64
	status StatusFunc
}

// New creates a Telegram notifier. defaultChat is used for the bare
// "telegram:" target and restricts who may ask for /status.
func New(token string, defaultChat int64) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Notifier{bot: bot, send: bot, chatID: defaultChat}, nil
}

// OnStatus sets the /status handler.
func (n *Notifier) OnStatus(fn StatusFunc) {
	n.status = fn
}

// Deliver sends message to the chat named by target ("telegram:<chat id>").
// It has the delivery.Handler signature.
func (n *Notifier) Deliver(target, message string) error {
	chatID, err := n.parseTarget(target)
	if err != nil {
		return err
	}
	return n.sendResponse(chatID, message)
}

func (n *Notifier) parseTarget(target string) (int64, error) {
	rest := strings.TrimPrefix(target, TargetPrefix)
	if rest == target {
		return 0, fmt.Errorf("not a telegram target: %s", target)
	}
	if rest == "" {
		if n.chatID == 0 {
			return 0, fmt.Errorf("telegram target has no chat id and no default chat is configured")
		}
		return n.chatID, nil
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", rest, err)
	}
	return id, nil
}

// Start begins long-polling for Telegram updates.
func (n *Notifier) Start(ctx context.Context) {
	if n.bot == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := n.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			n.handleCommand(ctx, update.Message)
		case <-ctx.Done():
			n.bot.StopReceivingUpdates()
			return
		}
	}
}

func (n *Notifier) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if n.chatID != 0 && chatID != n.chatID {
		slog.Warn("ignoring command from unknown chat", "chat_id", chatID)
		return
	}

	var reply string
	switch msg.Command() {
	case "start":
		reply = "Hello! I'll let you know when your documents finish processing. Send /status for an overview."
	case "status":
		if n.status == nil {
			reply = "Status is not available."
			break
		}
		text, err := n.status(ctx)
		if err != nil {
			slog.Error("status command failed", "error", err)
			reply = "Error fetching status."
			break
		}
		reply = text
	default:
		reply = "Unknown command. Available: /start, /status"
	}
	if err := n.sendResponse(chatID, reply); err != nil {
		slog.Error("send reply failed", "chat_id", chatID, "error", err)
	}
}

func (n *Notifier) sendResponse(chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := n.send.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := n.send.Send(msg); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
		}
	}
	return nil
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
