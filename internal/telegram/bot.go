// Package telegram is the user-facing transport: it receives text and
// voice messages from allowed chats, routes them through the
// conversation loop, and delivers replies and notifications.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/foyerlabs/concierge/internal/config"
	"github.com/foyerlabs/concierge/internal/events"
	"github.com/foyerlabs/concierge/internal/httpkit"
	"github.com/foyerlabs/concierge/internal/store"
)

// apologyReply is sent when handling a message fails. The underlying
// error is logged, never shown to the user.
const apologyReply = "Sorry, something went wrong handling that. Please try again."

// Conversationalist runs the tool-calling conversation loop.
type Conversationalist interface {
	Chat(ctx context.Context, conversationKey, text string) (string, error)
	ClearHistory(conversationKey string) error
}

// Transcriber converts voice recordings to text. May be nil, in which
// case voice messages are declined.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

type Bot struct {
	api         *tgbotapi.BotAPI
	cfg         config.TelegramConfig
	agent       Conversationalist
	store       *store.Store
	transcriber Transcriber
	bus         *events.Bus
	logger      *slog.Logger
	http        *http.Client
}

func New(cfg config.TelegramConfig, agent Conversationalist, st *store.Store, transcriber Transcriber, bus *events.Bus, logger *slog.Logger) (*Bot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	logger.Info("telegram bot authorized", "username", api.Self.UserName)

	return &Bot{
		api:         api,
		cfg:         cfg,
		agent:       agent,
		store:       st,
		transcriber: transcriber,
		bus:         bus,
		logger:      logger,
		http: httpkit.NewClient(
			httpkit.WithTimeout(time.Minute),
			httpkit.WithLogger(logger),
		),
	}, nil
}

// ConversationKey returns the key under which a chat's state is
// stored.
func ConversationKey(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

// Notify delivers an out-of-band message (alerts, task outcomes) to a
// conversation's chat. Implements the Notifier interface used by the
// scheduler and the alert dispatcher.
func (b *Bot) Notify(conversationKey, text string) error {
	chatID, err := strconv.ParseInt(conversationKey, 10, 64)
	if err != nil {
		return fmt.Errorf("bad conversation key %q: %w", conversationKey, err)
	}
	return b.send(chatID, text)
}

// Run polls for updates until ctx is cancelled. Each update is handled
// on its own goroutine so a long conversation does not stall other
// chats.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("telegram bot started", "allowed_chats", len(b.cfg.AllowedChatIDs))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("telegram bot stopped")
			return
		case update, ok := <-updates:
			if !ok {
				b.logger.Info("telegram update channel closed")
				return
			}
			if update.Message == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !b.cfg.Allowed(chatID) {
		b.logger.Warn("message from disallowed chat", "chat_id", chatID)
		return
	}
	key := ConversationKey(chatID)

	if msg.IsCommand() {
		b.handleCommand(chatID, key, msg.Command())
		return
	}

	text := msg.Text
	if msg.Voice != nil {
		transcribed, err := b.transcribeVoice(ctx, msg.Voice)
		if err != nil {
			b.logger.Error("voice transcription failed", "chat_id", chatID, "error", err)
			b.sendOrLog(chatID, "Sorry, I couldn't understand that voice message.")
			return
		}
		b.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceTelegram,
			Kind:      events.KindVoiceReceived,
			Data:      map[string]any{"conversation": key, "duration_s": msg.Voice.Duration},
		})
		text = transcribed
	} else {
		b.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceTelegram,
			Kind:      events.KindMessageReceived,
			Data:      map[string]any{"conversation": key, "message_len": len(text)},
		})
	}

	if strings.TrimSpace(text) == "" {
		return
	}

	stopTyping := b.keepTyping(ctx, chatID)
	reply, err := b.agent.Chat(ctx, key, text)
	stopTyping()
	if err != nil {
		b.logger.Error("conversation failed", "chat_id", chatID, "error", err)
		b.sendOrLog(chatID, apologyReply)
		return
	}

	if err := b.send(chatID, reply); err != nil {
		b.logger.Error("reply delivery failed", "chat_id", chatID, "error", err)
		return
	}
	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceTelegram,
		Kind:      events.KindReplySent,
		Data:      map[string]any{"conversation": key, "reply_len": len(reply)},
	})
}

func (b *Bot) handleCommand(chatID int64, key, command string) {
	switch command {
	case "start":
		b.sendOrLog(chatID, "Hello! I'm your home assistant. Ask me about your devices, tell me to control them, or have me schedule things for later.")
	case "reset":
		if err := b.agent.ClearHistory(key); err != nil {
			b.logger.Error("history reset failed", "chat_id", chatID, "error", err)
			b.sendOrLog(chatID, apologyReply)
			return
		}
		b.sendOrLog(chatID, "Conversation history cleared.")
	case "alerts":
		ids, err := b.store.Alerts(key)
		if err != nil {
			b.logger.Error("alert listing failed", "chat_id", chatID, "error", err)
			b.sendOrLog(chatID, apologyReply)
			return
		}
		if len(ids) == 0 {
			b.sendOrLog(chatID, "No active alerts.")
			return
		}
		b.sendOrLog(chatID, "Active alerts:\n- "+strings.Join(ids, "\n- "))
	case "help":
		b.sendOrLog(chatID, "Commands:\n"+
			"/reset - clear conversation history\n"+
			"/alerts - list active entity alerts\n"+
			"/help - this message\n\n"+
			"Or just talk to me. Voice messages work too.")
	default:
		b.sendOrLog(chatID, "Unknown command. Try /help.")
	}
}

func (b *Bot) transcribeVoice(ctx context.Context, voice *tgbotapi.Voice) (string, error) {
	if b.transcriber == nil {
		return "", fmt.Errorf("transcription not configured")
	}

	fileURL, err := b.api.GetFileDirectURL(voice.FileID)
	if err != nil {
		return "", fmt.Errorf("resolve voice file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download voice file: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download voice file: status %d", resp.StatusCode)
	}

	return b.transcriber.Transcribe(ctx, "voice.ogg", resp.Body)
}

// keepTyping shows the typing indicator and refreshes it until the
// returned stop function is called. Telegram expires the indicator
// after about five seconds.
func (b *Bot) keepTyping(ctx context.Context, chatID int64) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(4 * time.Second)
		defer ticker.Stop()
		for {
			if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
				b.logger.Debug("typing indicator failed", "chat_id", chatID, "error", err)
			}
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() { close(done) }
}

// send delivers text as HTML, falling back to plain text when Telegram
// rejects the markup.
func (b *Bot) send(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(msg); err == nil {
		return nil
	}

	plain := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(plain); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (b *Bot) sendOrLog(chatID int64, text string) {
	if err := b.send(chatID, text); err != nil {
		b.logger.Error("send failed", "chat_id", chatID, "error", err)
	}
}
