// Package agent implements the AgentLoop: the per-session ordering
// scheduler and the LLM-driven tool loop between the message bus, the
// session store, and the tool registry.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/errs"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/telemetry"
	"github.com/nanobot-ai/nanobot/internal/tools"
)

// LoopConfig wires the loop's collaborators and knobs.
type LoopConfig struct {
	Provider providers.Provider
	Bus      *bus.Bus
	Sessions *sessions.Store
	Tools    *tools.Registry
	Builder  *ContextBuilder
	Tel      *telemetry.Telemetry

	Model       string
	MaxTokens   int
	Temperature float64

	MaxToolIterations     int
	ToolErrorBackoff      int
	MaxConcurrentMessages int

	SubagentResultMaxChars int
	VerboseToolErrors      bool
}

// Loop is the single admission point for user messages.
type Loop struct {
	cfg   LoopConfig
	sched *scheduler

	// malformedSeen tracks how many of the session store's skipped-record
	// count have already been forwarded to telemetry.
	malformedSeen atomic.Int64
}

// NewLoop builds a Loop. Config values <= 0 fall back to the kernel
// defaults; MaxToolIterations is coerced to at least 1.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxToolIterations <= 0 {
		slog.Warn("maxToolIterations <= 0, coercing to 1", "configured", cfg.MaxToolIterations)
		cfg.MaxToolIterations = 1
	}
	if cfg.ToolErrorBackoff <= 0 {
		cfg.ToolErrorBackoff = 3
	}
	if cfg.MaxConcurrentMessages <= 0 {
		cfg.MaxConcurrentMessages = 4
	}
	if cfg.SubagentResultMaxChars <= 0 {
		cfg.SubagentResultMaxChars = 32 * 1024
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.Tel == nil {
		cfg.Tel, _ = telemetry.Setup(context.Background(), config.TelemetryConfig{})
	}
	return &Loop{
		cfg:   cfg,
		sched: newScheduler(cfg.MaxConcurrentMessages),
	}
}

// Run consumes inbound messages until ctx is cancelled or the bus shuts
// down. The admission slot is acquired before the next message is read:
// until a slot frees up, backlog stays in the bounded bus queue.
func (l *Loop) Run(ctx context.Context) {
	for {
		if !l.sched.acquire(ctx) {
			return
		}
		msg, ok := l.cfg.Bus.ConsumeInbound(ctx)
		if !ok {
			l.sched.release()
			return
		}
		key := sessions.KeyFor(msg)
		l.sched.submit(ctx, key, func(ctx context.Context) {
			l.handle(ctx, key, msg)
		})
	}
}

// Stop drains outstanding handlers for up to grace after the root context
// has been cancelled and the bus shut down by the caller.
func (l *Loop) Stop(grace time.Duration) bool {
	clean := l.sched.drain(grace)
	if !clean {
		slog.Warn("agent loop: handlers still running after grace period")
	}
	return clean
}

// InFlight reports the number of handlers currently holding an admission
// slot.
func (l *Loop) InFlight() int { return l.sched.inFlight() }

func (l *Loop) handle(ctx context.Context, key string, msg bus.InboundMessage) {
	ctx, span := l.cfg.Tel.StartSpan(ctx, "agent.message",
		attribute.String("session_key", key),
		attribute.String("channel", msg.Channel),
		attribute.String("role", string(msg.Role)))
	defer span.End()

	if msg.Role == bus.RoleSystem {
		l.processSystemMessage(ctx, key, msg)
		return
	}

	reply, deliver := l.handleUserMessage(ctx, key, msg)
	if !deliver {
		return
	}
	l.publish(ctx, bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply,
	})
}

// handleUserMessage appends the user turn, builds context, and runs the
// tool loop. The bool result is false when the reply must be suppressed
// (silent sentinel or empty).
func (l *Loop) handleUserMessage(ctx context.Context, key string, msg bus.InboundMessage) (string, bool) {
	sess, err := l.cfg.Sessions.Load(key)
	if err != nil {
		slog.Error("session load failed", "key", key, "error", err)
		return "Sorry, I couldn't access this conversation's history. Please try again.", true
	}
	if total := l.cfg.Sessions.MalformedCount(); total > l.malformedSeen.Load() {
		l.cfg.Tel.RecordMalformedRecords(total - l.malformedSeen.Swap(total))
	}

	msg.Media = l.cfg.Builder.NormalizeMedia(msg.Media)
	userTurn := sessions.Turn{Role: "user", Content: msg.Content, TS: time.Now().UTC(), Media: msg.Media}
	if err := l.cfg.Sessions.Append(key, userTurn); err != nil {
		// Persistence failure is surfaced but the in-memory state carries on.
		slog.Error("session append failed", "key", key, "error", err)
		l.publish(ctx, bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  "Warning: your message could not be saved to history.",
			Metadata: map[string]string{"type": "status"},
		})
	}

	settings := sess.Settings
	if settings.SenderID == "" && msg.SenderID != "" {
		settings.SenderID = msg.SenderID
		if err := l.cfg.Sessions.SaveSettings(key, settings); err != nil {
			slog.Warn("session settings save failed", "key", key, "error", err)
		}
	}

	// sess holds history up to (not including) the current message; the
	// builder appends the current message itself.
	messages := l.cfg.Builder.Build(sess, msg, settings)

	reply := l.runToolLoop(ctx, key, msg, messages, settings)
	reply = SanitizeAssistantContent(reply)

	if reply != "" {
		if err := l.cfg.Sessions.Append(key, sessions.Turn{Role: "assistant", Content: reply, TS: time.Now().UTC()}); err != nil {
			slog.Error("session append failed", "key", key, "error", err)
		}
	}
	if reply == "" || IsSilentReply(reply) {
		return "", false
	}
	return reply, true
}

// runToolLoop is the bounded think-act-observe cycle.
func (l *Loop) runToolLoop(ctx context.Context, key string, msg bus.InboundMessage, messages []providers.Message, settings sessions.Settings) string {
	model := settings.Model
	if model == "" {
		model = l.cfg.Model
	}

	// Tools that spawn subagents route progress and results back through
	// the origin stamped here.
	ctx = tools.WithOrigin(ctx, tools.Origin{
		Channel:       msg.Channel,
		ChatID:        msg.ChatID,
		ParentSession: key,
	})

	consecutiveErrors := 0
	var lastErr, lastErrExcerpt string

	for iteration := 1; iteration <= l.cfg.MaxToolIterations; iteration++ {
		resp, err := l.chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    l.cfg.Tools.ProviderDefs(),
			Model:    model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   l.cfg.MaxTokens,
				providers.OptTemperature: l.cfg.Temperature,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return ""
			}
			kind := providers.ClassifyError(err)
			slog.Error("LLM call failed", "session", key, "iteration", iteration, "kind", kind, "error", err)
			return "Sorry, I'm having trouble reaching my language model right now. Please try again in a moment."
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		l.publishStatus(ctx, msg, resp.ToolCalls)

		calls := make([]tools.Call, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			calls[i] = tools.Call{ID: tc.ID, Name: tc.Name, Args: tc.Arguments}
		}

		batchStart := time.Now()
		batchCtx, batchSpan := l.cfg.Tel.StartSpan(ctx, "tools.batch",
			attribute.Int("calls", len(calls)),
			attribute.Int("iteration", iteration))
		results := l.cfg.Tools.ExecuteBatch(batchCtx, calls)
		batchSpan.End()
		slog.Debug("tool batch done", "session", key, "tools", len(calls), "elapsed", time.Since(batchStart))

		allFailed := true
		for _, br := range results {
			content := br.Result.ForLLM
			if br.Result.IsError {
				errID := l.cfg.Tel.RecordToolError()
				slog.Warn("tool error", "session", key, "tool", br.Call.Name, "error_id", errID, "error", truncateStr(content, 200))
				lastErr = content
				lastErrExcerpt = truncateStr(content, 300)
			} else {
				allFailed = false
			}
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: br.Call.ID,
			})
		}

		if len(results) > 0 && allFailed {
			consecutiveErrors++
			if consecutiveErrors > l.cfg.ToolErrorBackoff {
				reply := "My tooling is failing repeatedly, so I'm stopping here."
				if l.cfg.VerboseToolErrors {
					reply += "\n\nLast error: " + lastErr
				} else {
					reply += fmt.Sprintf(" (error id %d)\n\nLast error: %s", l.cfg.Tel.ToolErrors(), lastErrExcerpt)
				}
				return reply
			}
		} else {
			consecutiveErrors = 0
		}
	}

	return "I hit my limit of tool steps for this request without finishing. Here's where I stopped — ask me to continue if you'd like."
}

func (l *Loop) chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	ctx, span := l.cfg.Tel.StartSpan(ctx, "llm.chat",
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)))
	defer span.End()

	resp, err := l.cfg.Provider.Chat(ctx, req)
	if err == nil && resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("usage.prompt_tokens", resp.Usage.PromptTokens),
			attribute.Int("usage.completion_tokens", resp.Usage.CompletionTokens),
		)
	}
	return resp, err
}

// publishStatus emits a type=status outbound naming the tools in flight.
func (l *Loop) publishStatus(ctx context.Context, msg bus.InboundMessage, calls []providers.ToolCall) {
	names := make([]string, 0, len(calls))
	seen := make(map[string]struct{}, len(calls))
	for _, tc := range calls {
		if _, dup := seen[tc.Name]; dup {
			continue
		}
		seen[tc.Name] = struct{}{}
		names = append(names, tc.Name)
	}
	l.publish(ctx, bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  "Running: " + strings.Join(names, ", "),
		Metadata: map[string]string{"type": "status"},
	})
}

func (l *Loop) publish(ctx context.Context, msg bus.OutboundMessage) {
	if msg.ChatID == "" || msg.Channel == "" {
		return
	}
	if err := l.cfg.Bus.PublishOutbound(ctx, msg); err != nil {
		slog.Warn("outbound publish failed", "channel", msg.Channel, "error", err)
	}
}

// processSystemMessage handles a subagent's result: truncate, summarize
// with a lightweight LLM call, and announce to the origin chat. This path
// does not enter the main tool loop.
func (l *Loop) processSystemMessage(ctx context.Context, key string, msg bus.InboundMessage) {
	payload := msg.Content
	if len(payload) > l.cfg.SubagentResultMaxChars {
		payload = payload[:l.cfg.SubagentResultMaxChars] + "\n[truncated]"
	}

	if err := l.cfg.Sessions.Append(key, sessions.Turn{Role: "system", Content: payload, TS: time.Now().UTC()}); err != nil {
		slog.Warn("session append failed for system message", "key", key, "error", err)
	}

	summary := l.summarize(ctx, payload)

	channel := msg.Metadata["origin_channel"]
	if channel == "" {
		channel = msg.Channel
	}
	l.publish(ctx, bus.OutboundMessage{
		Channel: channel,
		ChatID:  msg.ChatID,
		Content: summary,
	})
}

func (l *Loop) summarize(ctx context.Context, payload string) string {
	resp, err := l.chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "Summarize the following background task result for the user in a few sentences. Preserve concrete outcomes and numbers."},
			{Role: "user", Content: payload},
		},
		Model: l.cfg.Model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   1024,
			providers.OptTemperature: 0.3,
		},
	})
	if err != nil {
		slog.Warn("subagent summary failed, relaying excerpt", "error", err)
		return "Background task finished:\n" + truncateStr(payload, 1500)
	}
	return SanitizeAssistantContent(resp.Content)
}

// DirectRequest invokes the loop outside the bus (scheduled jobs,
// heartbeat). It reuses the same session, tool, and context machinery and
// serializes with bus traffic for the same session key.
type DirectRequest struct {
	SessionKey string
	Message    string
	Channel    string
	ChatID     string
}

// ProcessDirect runs one message through the loop and returns the reply
// without publishing it; the caller decides on delivery.
func (l *Loop) ProcessDirect(ctx context.Context, req DirectRequest) (string, error) {
	if req.Message == "" {
		return "", errs.New(errs.Validation, "agent.ProcessDirect", fmt.Errorf("empty message"))
	}
	key := req.SessionKey
	if key == "" {
		key = req.Channel + ":" + req.ChatID
	}

	if !l.sched.acquire(ctx) {
		return "", errs.New(errs.Transient, "agent.ProcessDirect", ctx.Err())
	}

	type outcome struct {
		reply string
	}
	resultCh := make(chan outcome, 1)

	msg := bus.InboundMessage{
		Channel:  req.Channel,
		ChatID:   req.ChatID,
		Role:     bus.RoleUser,
		Content:  req.Message,
		At:       time.Now().UTC(),
		Trusted:  true,
		Metadata: map[string]string{"session_key": key},
	}

	l.sched.submit(ctx, key, func(ctx context.Context) {
		reply, _ := l.handleUserMessage(ctx, key, msg)
		resultCh <- outcome{reply: reply}
	})

	select {
	case out := <-resultCh:
		return out.reply, nil
	case <-ctx.Done():
		return "", errs.New(errs.Transient, "agent.ProcessDirect", ctx.Err())
	}
}
