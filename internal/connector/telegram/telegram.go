package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ticketvox-io/ticketvox/internal/connector"
)

// Config holds Telegram connector configuration.
type Config struct {
	Token     string  // Bot token from @BotFather
	AllowFrom []int64 // Allowed Telegram user IDs (empty = allow all)
}

// Connector implements connector.Connector for Telegram via long polling.
type Connector struct {
	bot     *tgbotapi.BotAPI
	config  Config
	handler connector.Handler
	logger  *slog.Logger
	cancel  context.CancelFunc
	http    *http.Client
}

// New creates a new Telegram connector.
func New(cfg Config, handler connector.Handler, logger *slog.Logger) (*Connector, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("telegram bot authorized", "username", bot.Self.UserName)

	return &Connector{
		bot:     bot,
		config:  cfg,
		handler: handler,
		logger:  logger,
		http:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (c *Connector) Name() string { return "telegram" }

// Start begins long-polling for updates. Blocks until context is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := c.bot.GetUpdatesChan(u)

	c.logger.Info("telegram connector started", "bot", c.bot.Self.UserName)

	for {
		select {
		case update := <-updates:
			ev, ok := c.toEvent(update)
			if !ok {
				continue
			}
			if len(c.config.AllowFrom) > 0 && !allowed(c.config.AllowFrom, ev.UserID) {
				c.logger.Warn("unauthorized user", "user_id", ev.UserID, "username", ev.Username)
				continue
			}
			if err := c.handler(ctx, ev); err != nil {
				c.logger.Error("inbound handler error", "chat_id", ev.ChatID, "error", err)
			}

		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			c.logger.Info("telegram connector stopped")
			return ctx.Err()
		}
	}
}

// Stop gracefully shuts down the connector.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// toEvent converts a Telegram update into a transport-neutral event.
func (c *Connector) toEvent(update tgbotapi.Update) (connector.Event, bool) {
	if cq := update.CallbackQuery; cq != nil {
		if cq.Message == nil || cq.From == nil {
			return connector.Event{}, false
		}
		return connector.Event{
			ChatID:    cq.Message.Chat.ID,
			UserID:    cq.From.ID,
			Username:  cq.From.UserName,
			MessageID: cq.Message.MessageID,
			Group:     cq.Message.Chat.IsGroup() || cq.Message.Chat.IsSuperGroup(),
			Callback: &connector.Callback{
				ID:        cq.ID,
				Data:      cq.Data,
				MessageID: cq.Message.MessageID,
			},
		}, true
	}

	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.From == nil {
		return connector.Event{}, false
	}

	ev := connector.Event{
		ChatID:    msg.Chat.ID,
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		MessageID: msg.MessageID,
		Group:     msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
		Text:      msg.Text,
	}
	if ev.Text == "" {
		ev.Text = msg.Caption
	}

	switch {
	case msg.Voice != nil:
		ev.Voice = &connector.MediaRef{FileID: msg.Voice.FileID, MIME: msg.Voice.MimeType}
	case msg.Audio != nil:
		ev.Voice = &connector.MediaRef{FileID: msg.Audio.FileID, MIME: msg.Audio.MimeType}
	case len(msg.Photo) > 0:
		// Telegram sends several resolutions; the last is the largest.
		best := msg.Photo[len(msg.Photo)-1]
		ev.Photo = &connector.MediaRef{FileID: best.FileID, MIME: "image/jpeg"}
	case msg.Document != nil:
		mime := strings.ToLower(msg.Document.MimeType)
		switch {
		case strings.HasPrefix(mime, "image/"):
			ev.Photo = &connector.MediaRef{FileID: msg.Document.FileID, MIME: mime}
		case strings.HasPrefix(mime, "audio/"), mime == "application/ogg", mime == "video/mp4":
			ev.Voice = &connector.MediaRef{FileID: msg.Document.FileID, MIME: mime}
		}
	}

	return ev, true
}

// Send delivers plain text. The text may contain Telegram HTML; delivery
// falls back to escaped plain text if HTML parsing fails.
func (c *Connector) Send(_ context.Context, chatID int64, text string) (int, error) {
	return c.send(chatID, text, nil)
}

// SendKeyboard delivers text with an inline keyboard.
func (c *Connector) SendKeyboard(_ context.Context, chatID int64, text string, kb connector.Keyboard) (int, error) {
	markup := toMarkup(kb)
	return c.send(chatID, text, &markup)
}

func (c *Connector) send(chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup) (int, error) {
	if strings.TrimSpace(text) == "" {
		c.logger.Warn("skipping empty message", "chat_id", chatID)
		return 0, nil
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if markup != nil {
		msg.ReplyMarkup = *markup
	}

	sent, err := c.bot.Send(msg)
	if err != nil {
		c.logger.Warn("HTML send failed, falling back to plain text", "chat_id", chatID, "error", err)
		msg.Text = StripHTML(text)
		msg.ParseMode = ""
		sent, err = c.bot.Send(msg)
	}
	if err != nil {
		return 0, fmt.Errorf("telegram: send: %w", err)
	}
	return sent.MessageID, nil
}

// Edit replaces a message's text and keyboard in place.
func (c *Connector) Edit(_ context.Context, chatID int64, messageID int, text string, kb connector.Keyboard) error {
	edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, toMarkup(kb))
	edit.ParseMode = tgbotapi.ModeHTML
	edit.DisableWebPagePreview = true
	if _, err := c.bot.Send(edit); err != nil {
		return fmt.Errorf("telegram: edit message %d: %w", messageID, err)
	}
	return nil
}

// AnswerCallback acknowledges a button click. text shows a toast when set.
func (c *Connector) AnswerCallback(_ context.Context, callbackID, text string) error {
	cb := tgbotapi.NewCallback(callbackID, text)
	if _, err := c.bot.Request(cb); err != nil {
		return fmt.Errorf("telegram: answer callback: %w", err)
	}
	return nil
}

// Download resolves a media reference to its raw bytes.
func (c *Connector) Download(ctx context.Context, ref connector.MediaRef) ([]byte, error) {
	fileURL, err := c.bot.GetFileDirectURL(ref.FileID)
	if err != nil {
		return nil, fmt.Errorf("telegram: get file URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: download status %d", resp.StatusCode)
	}

	// Telegram bot files are capped at 20MB; leave headroom.
	return io.ReadAll(io.LimitReader(resp.Body, 25<<20))
}

func toMarkup(kb connector.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		btns := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, btns)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func allowed(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
