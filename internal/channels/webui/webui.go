// Package webui serves the local browser UI: a loopback HTTP server with a
// WebSocket message endpoint and a media upload endpoint. It is the one
// trusted channel — its metadata may override session routing.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/channels"
	"github.com/nanobot-ai/nanobot/internal/config"
)

// maxUploadBytes caps a single browser upload.
const maxUploadBytes = 64 * 1024 * 1024

// Channel is the local browser UI ChannelAdapter.
type Channel struct {
	*channels.Base
	cfg        config.WebUIConfig
	uploadsDir string

	server *http.Server

	mu      sync.Mutex
	clients map[string]*client // chatID → connection

	done chan struct{}
}

type client struct {
	conn   *websocket.Conn
	chatID string
}

// wireMessage is the JSON frame exchanged with the browser.
type wireMessage struct {
	Type       string            `json:"type"` // "message", "status"
	ChatID     string            `json:"chat_id,omitempty"`
	Content    string            `json:"content,omitempty"`
	Media      []wireMedia       `json:"media,omitempty"`
	SessionKey string            `json:"session_key,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// wireMedia references a prior /upload by its server-issued id.
type wireMedia struct {
	UploadID string `json:"upload_id"`
	Mime     string `json:"mime,omitempty"`
}

// New creates the web UI channel. The channel is always trusted.
func New(cfg config.WebUIConfig, uploadsDir string) *Channel {
	base := channels.NewBase("webui", true, nil, 0, 0)
	return &Channel{
		Base:       base,
		cfg:        cfg,
		uploadsDir: uploadsDir,
		clients:    make(map[string]*client),
		done:       make(chan struct{}),
	}
}

// Start binds the HTTP listener and serves until ctx is cancelled.
func (c *Channel) Start(ctx context.Context, b *bus.Bus) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.authWrap(func(w http.ResponseWriter, r *http.Request) {
		c.handleWS(ctx, b, w, r)
	}))
	mux.HandleFunc("/upload", c.authWrap(c.handleUpload))

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webui listen %s: %w", addr, err)
	}
	c.server = &http.Server{Handler: mux}

	slog.Info("webui channel listening", "addr", addr)
	go func() {
		defer close(c.done)
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webui server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (c *Channel) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	err := c.server.Shutdown(ctx)
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	return err
}

// Send delivers an outbound message to the connected browser, if any.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	cl := c.clients[msg.ChatID]
	c.mu.Unlock()
	if cl == nil {
		return fmt.Errorf("webui: no client connected for chat %q", msg.ChatID)
	}

	frame := wireMessage{Type: "message", ChatID: msg.ChatID, Content: msg.Content, Metadata: msg.Metadata}
	if msg.IsStatus() {
		frame.Type = "status"
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return cl.conn.Write(writeCtx, websocket.MessageText, data)
}

// authWrap enforces the optional bearer token.
func (c *Channel) authWrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.cfg.Token != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+c.cfg.Token && r.URL.Query().Get("token") != c.cfg.Token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (c *Channel) handleWS(ctx context.Context, b *bus.Bus, w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("webui: ws accept failed", "error", err)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = uuid.NewString()
	}
	cl := &client{conn: conn, chatID: chatID}

	c.mu.Lock()
	c.clients[chatID] = cl
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.clients[chatID] == cl {
			delete(c.clients, chatID)
		}
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame wireMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type != "message" {
			continue
		}

		metadata := frame.Metadata
		if frame.SessionKey != "" {
			if metadata == nil {
				metadata = make(map[string]string)
			}
			metadata["session_key"] = frame.SessionKey
		}

		var media []bus.MediaDescriptor
		for _, m := range frame.Media {
			// Upload ids are server-issued uuids; anything else is refused.
			if _, err := uuid.Parse(m.UploadID); err != nil {
				continue
			}
			media = append(media, bus.MediaDescriptor{
				Path: filepath.Join(c.uploadsDir, m.UploadID),
				Mime: m.Mime,
			})
		}

		msg := c.BuildInbound(chatID, "local", frame.Content, media, metadata)
		msg.ID = uuid.NewString()
		if !b.TryPublishInbound(msg) {
			refusal, _ := json.Marshal(wireMessage{
				Type:    "status",
				ChatID:  chatID,
				Content: "queue full, try again shortly",
			})
			_ = conn.Write(ctx, websocket.MessageText, refusal)
		}
	}
}

// handleUpload stores a browser-posted file under uploads/<upload-id> and
// returns the id.
func (c *Channel) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := os.MkdirAll(c.uploadsDir, 0o755); err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	dest := filepath.Join(c.uploadsDir, id)
	out, err := os.Create(dest)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	_, err = io.Copy(out, io.LimitReader(r.Body, maxUploadBytes))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"upload_id": id})
}
