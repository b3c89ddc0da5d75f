// Package whatsapp connects to a WhatsApp bridge via WebSocket. The bridge
// (e.g. whatsapp-web.js based) speaks the WhatsApp protocol; this channel
// just exchanges JSON messages with it over WS.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/channels"
	"github.com/nanobot-ai/nanobot/internal/config"
)

const reconnectDelay = 5 * time.Second

// Channel is the WhatsApp sidecar-bridge ChannelAdapter.
type Channel struct {
	*channels.Base
	cfg config.WhatsAppConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	cancel context.CancelFunc
	done   chan struct{}
}

// bridgeMessage is the JSON frame exchanged with the sidecar.
type bridgeMessage struct {
	Type    string `json:"type"` // "message", "status"
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Content string `json:"content,omitempty"`
}

// New creates the WhatsApp channel.
func New(cfg config.WhatsAppConfig) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	base := channels.NewBase("whatsapp", cfg.Trusted, cfg.AllowFrom, cfg.RateLimit, time.Minute)
	return &Channel{Base: base, cfg: cfg, done: make(chan struct{})}, nil
}

// Start connects to the bridge and begins listening. The initial
// connection may fail; the listen loop keeps retrying.
func (c *Channel) Start(ctx context.Context, b *bus.Bus) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.cfg.BridgeURL)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.connect(runCtx); err != nil {
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop(runCtx, b)
	return nil
}

// Stop closes the connection and ends the listen loop.
func (c *Channel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.mu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send delivers an outbound message to the bridge. Status updates are
// forwarded as their own frame type so the bridge can render them as
// presence rather than chat text.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	frame := bridgeMessage{Type: "message", To: msg.ChatID, Content: msg.Content}
	if msg.IsStatus() {
		frame.Type = "status"
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal whatsapp message: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

func (c *Channel) connect(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, c.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected")
	return nil
}

func (c *Channel) listenLoop(ctx context.Context, b *bus.Bus) {
	defer close(c.done)

	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			select {
			case <-time.After(reconnectDelay):
			case <-ctx.Done():
				return
			}
			if err := c.connect(ctx); err != nil {
				slog.Debug("whatsapp bridge reconnect failed", "error", err)
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("whatsapp bridge read failed, reconnecting", "error", err)
			c.mu.Lock()
			c.conn = nil
			c.connected = false
			c.mu.Unlock()
			continue
		}

		var frame bridgeMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("whatsapp: dropping malformed bridge frame", "error", err)
			continue
		}
		if frame.Type != "message" || frame.Content == "" {
			continue
		}

		sender := frame.Sender
		if sender == "" {
			sender = frame.From
		}
		if !c.IsAllowed(sender) {
			continue
		}

		msg := c.BuildInbound(frame.From, sender, frame.Content, nil, nil)
		msg.ID = uuid.NewString()
		if !b.TryPublishInbound(msg) {
			slog.Warn("whatsapp: inbound queue full, refusing message", "chat", frame.From)
		}
	}
}
