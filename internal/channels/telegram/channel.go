// Package telegram connects to the Telegram Bot API via long polling.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/channels"
	"github.com/nanobot-ai/nanobot/internal/config"
)

// telegramMaxMessage is the Bot API's message length cap.
const telegramMaxMessage = 4096

// Channel is the Telegram ChannelAdapter.
type Channel struct {
	*channels.Base
	bot        *telego.Bot
	cfg        config.TelegramConfig
	uploadsDir string

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the Telegram channel. uploadsDir receives downloaded media.
func New(cfg config.TelegramConfig, uploadsDir string) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	rateWindow := time.Minute
	base := channels.NewBase("telegram", cfg.Trusted, cfg.AllowFrom, cfg.RateLimit, rateWindow)

	return &Channel{
		Base:       base,
		bot:        bot,
		cfg:        cfg,
		uploadsDir: uploadsDir,
	}, nil
}

// Start begins long polling for updates, publishing InboundMessages until
// ctx is cancelled.
func (c *Channel) Start(ctx context.Context, b *bus.Bus) error {
	slog.Info("starting telegram channel (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		close(c.pollDone)
		return fmt.Errorf("telegram long polling: %w", err)
	}

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				c.handleMessage(pollCtx, b, update.Message)
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the poll goroutine.
func (c *Channel) Stop(ctx context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, b *bus.Bus, m *telego.Message) {
	senderID := ""
	if m.From != nil {
		senderID = strconv.FormatInt(m.From.ID, 10)
	}
	if !c.IsAllowed(senderID) {
		slog.Debug("telegram: sender refused", "sender", senderID)
		return
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	text := m.Text
	if text == "" {
		text = m.Caption
	}

	var media []bus.MediaDescriptor
	if len(m.Photo) > 0 {
		// Largest size is last.
		photo := m.Photo[len(m.Photo)-1]
		if path, err := c.downloadFile(ctx, photo.FileID); err == nil {
			media = append(media, bus.MediaDescriptor{Path: path, Mime: "image/jpeg"})
		} else {
			slog.Warn("telegram: photo download failed", "error", err)
		}
	}
	if m.Voice != nil {
		if path, err := c.downloadFile(ctx, m.Voice.FileID); err == nil {
			media = append(media, bus.MediaDescriptor{Path: path, Mime: m.Voice.MimeType})
		} else {
			slog.Warn("telegram: voice download failed", "error", err)
		}
	}

	if text == "" && len(media) == 0 {
		return
	}

	msg := c.BuildInbound(chatID, senderID, text, media, nil)
	msg.ID = uuid.NewString()
	if !b.TryPublishInbound(msg) {
		// Queue full: non-fatal refusal; Telegram re-delivers nothing, so
		// tell the user instead of dropping silently.
		slog.Warn("telegram: inbound queue full, refusing message", "chat", chatID)
		_ = c.Send(ctx, bus.OutboundMessage{
			Channel: c.Name(),
			ChatID:  chatID,
			Content: "I'm overloaded right now — please resend that in a moment.",
		})
	}
}

// downloadFile fetches a Telegram file into the uploads directory.
func (c *Channel) downloadFile(ctx context.Context, fileID string) (string, error) {
	f, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", err
	}
	url := c.bot.FileDownloadURL(f.FilePath)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: HTTP %d", fileID, resp.StatusCode)
	}

	if err := os.MkdirAll(c.uploadsDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(c.uploadsDir, uuid.NewString()+filepath.Ext(f.FilePath))
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

// Send delivers an outbound message, splitting text over the Bot API cap.
// Status updates surface as a typing action rather than chat messages
// unless status_updates is enabled.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", msg.ChatID, err)
	}

	if msg.IsStatus() && !c.cfg.StatusUpdates {
		return c.bot.SendChatAction(ctx, &telego.SendChatActionParams{
			ChatID: telego.ChatID{ID: chatID},
			Action: "typing",
		})
	}

	for _, part := range splitMessage(msg.Content, telegramMaxMessage) {
		if _, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{
			ChatID: telego.ChatID{ID: chatID},
			Text:   part,
		}); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// splitMessage breaks text into chunks of at most max bytes, preferring
// newline boundaries.
func splitMessage(text string, max int) []string {
	if text == "" {
		return nil
	}
	var parts []string
	for len(text) > max {
		cut := strings.LastIndexByte(text[:max], '\n')
		if cut < max/2 {
			cut = max
		}
		parts = append(parts, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
