// Package telegram implements the Telegram channel adapter on
// go-telegram/bot with long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/flashclaw/flashclaw/internal/channels"
	"github.com/flashclaw/flashclaw/pkg/models"
)

// chatIDPrefix namespaces Telegram chat ids in the unified id space.
const chatIDPrefix = "tg:"

// maxInboundImageBytes caps how much photo data the adapter downloads.
const maxInboundImageBytes = 10 << 20

// Config holds the Telegram adapter configuration.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// BotUsername is used to resolve @mentions; without it only
	// platform mention entities count.
	BotUsername string

	// DownloadImages controls whether inbound photos are fetched and
	// attached as base64.
	DownloadImages bool

	// HTTPTimeout bounds photo downloads.
	HTTPTimeout time.Duration

	// Logger is optional.
	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.Token == "" {
		return fmt.Errorf("telegram: token is required")
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is the Telegram channel.
type Adapter struct {
	config  Config
	logger  *slog.Logger
	httpc   *http.Client
	handler channels.Handler

	mu      sync.Mutex
	bot     *bot.Bot
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a Telegram adapter.
func New(config Config) (*Adapter, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config: config,
		logger: config.Logger.With("component", "telegram"),
		httpc:  &http.Client{Timeout: config.HTTPTimeout},
	}, nil
}

// Name implements channels.Channel.
func (a *Adapter) Name() string { return "telegram" }

// Platform implements channels.Channel.
func (a *Adapter) Platform() models.Platform { return models.PlatformTelegram }

// OnMessage implements channels.Channel.
func (a *Adapter) OnMessage(h channels.Handler) { a.handler = h }

// Start connects the bot and begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("telegram: already started")
	}

	b, err := bot.New(a.config.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true

	go func() {
		defer close(a.done)
		b.Start(runCtx)
	}()

	a.logger.Info("telegram adapter started")
	return nil
}

// Stop ends long polling, bounded by ctx.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	cancel()
	select {
	case <-done:
		a.logger.Info("telegram adapter stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram: stop: %w", ctx.Err())
	}
}

// SendMessage implements channels.Channel.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) (channels.SendResult, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return channels.SendResult{Error: err.Error()}, err
	}
	sent, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: id, Text: text})
	if err != nil {
		return channels.SendResult{Error: err.Error()}, fmt.Errorf("telegram: send: %w", err)
	}
	return channels.SendResult{
		Success:   true,
		MessageID: channels.ComposeMessageID(chatID, strconv.Itoa(sent.ID)),
	}, nil
}

// UpdateMessage implements channels.MessageUpdater.
func (a *Adapter) UpdateMessage(ctx context.Context, messageID, text string) error {
	chatID, platformID, err := splitIDs(messageID)
	if err != nil {
		return err
	}
	_, err = a.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: platformID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("telegram: edit: %w", err)
	}
	return nil
}

// DeleteMessage implements channels.MessageDeleter.
func (a *Adapter) DeleteMessage(ctx context.Context, messageID string) error {
	chatID, platformID, err := splitIDs(messageID)
	if err != nil {
		return err
	}
	_, err = a.bot.DeleteMessage(ctx, &bot.DeleteMessageParams{
		ChatID:    chatID,
		MessageID: platformID,
	})
	if err != nil {
		return fmt.Errorf("telegram: delete: %w", err)
	}
	return nil
}

// SendImage implements channels.ImageSender. Data is base64.
func (a *Adapter) SendImage(ctx context.Context, chatID, data, caption string) (channels.SendResult, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return channels.SendResult{Error: err.Error()}, err
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return channels.SendResult{Error: "invalid base64 image"}, fmt.Errorf("telegram: decode image: %w", err)
	}
	sent, err := a.bot.SendPhoto(ctx, &bot.SendPhotoParams{
		ChatID:  id,
		Photo:   &tgmodels.InputFileUpload{Filename: "image.png", Data: bytes.NewReader(raw)},
		Caption: caption,
	})
	if err != nil {
		return channels.SendResult{Error: err.Error()}, fmt.Errorf("telegram: send photo: %w", err)
	}
	return channels.SendResult{
		Success:   true,
		MessageID: channels.ComposeMessageID(chatID, strconv.Itoa(sent.ID)),
	}, nil
}

// handleUpdate converts one Telegram update into the unified shape.
func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || a.handler == nil {
		return
	}
	msg := a.convert(ctx, update.Message)
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return
	}
	a.handler(msg)
}

func (a *Adapter) convert(ctx context.Context, m *tgmodels.Message) *models.Message {
	chatType := models.ChatTypeGroup
	if m.Chat.Type == "private" {
		chatType = models.ChatTypeP2P
	}

	content := m.Text
	if content == "" {
		content = m.Caption
	}

	msg := &models.Message{
		ID:         strconv.Itoa(m.ID),
		ChatID:     chatIDPrefix + strconv.FormatInt(m.Chat.ID, 10),
		Content:    content,
		Timestamp:  time.Unix(int64(m.Date), 0),
		ChatType:   chatType,
		Platform:   models.PlatformTelegram,
		Mentions:   a.mentions(m),
		SenderID:   "",
		SenderName: "",
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	}
	if m.ReplyToMessage != nil {
		msg.ReplyToMessageID = strconv.Itoa(m.ReplyToMessage.ID)
	}

	if a.config.DownloadImages && len(m.Photo) > 0 {
		if att, err := a.downloadPhoto(ctx, m.Photo); err != nil {
			a.logger.Warn("photo download failed", "chat_id", msg.ChatID, "error", err)
		} else {
			msg.Attachments = append(msg.Attachments, att)
		}
	}
	return msg
}

// mentions returns the mentioned usernames that match the bot.
func (a *Adapter) mentions(m *tgmodels.Message) []string {
	if a.config.BotUsername == "" {
		return nil
	}
	var out []string
	for _, e := range m.Entities {
		if e.Type != tgmodels.MessageEntityTypeMention {
			continue
		}
		end := e.Offset + e.Length
		if e.Offset < 0 || end > len(m.Text) {
			continue
		}
		mention := m.Text[e.Offset:end]
		if strings.EqualFold(mention, "@"+a.config.BotUsername) {
			out = append(out, mention)
		}
	}
	return out
}

// downloadPhoto fetches the largest photo size and encodes it as base64.
func (a *Adapter) downloadPhoto(ctx context.Context, sizes []tgmodels.PhotoSize) (models.Attachment, error) {
	best := sizes[len(sizes)-1]
	file, err := a.bot.GetFile(ctx, &bot.GetFileParams{FileID: best.FileID})
	if err != nil {
		return models.Attachment{}, fmt.Errorf("get file: %w", err)
	}
	url := a.bot.FileDownloadLink(file)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Attachment{}, err
	}
	resp, err := a.httpc.Do(req)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Attachment{}, fmt.Errorf("download: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInboundImageBytes+1))
	if err != nil {
		return models.Attachment{}, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxInboundImageBytes {
		return models.Attachment{}, errors.New("photo exceeds size cap")
	}
	return models.Attachment{
		Type:     models.AttachmentImage,
		Content:  base64.StdEncoding.EncodeToString(data),
		MimeType: "image/jpeg",
	}, nil
}

// parseChatID strips the tg: prefix and parses the numeric chat id.
func parseChatID(chatID string) (int64, error) {
	raw := strings.TrimPrefix(chatID, chatIDPrefix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: bad chat id %q", chatID)
	}
	return id, nil
}

// splitIDs resolves a composite message id into a numeric chat id and a
// platform message id.
func splitIDs(messageID string) (int64, int, error) {
	chatPart, platformPart, err := channels.SplitMessageID(messageID)
	if err != nil {
		return 0, 0, err
	}
	chatID, err := parseChatID(chatPart)
	if err != nil {
		return 0, 0, err
	}
	platformID, err := strconv.Atoi(platformPart)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: bad message id %q", messageID)
	}
	return chatID, platformID, nil
}
