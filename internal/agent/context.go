package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nanobot-ai/nanobot/internal/bootstrap"
	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/memory"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/skills"
)

// ContextCaps bounds each section of the assembled prompt, in characters.
type ContextCaps struct {
	BootstrapMaxChars int
	MemoryMaxChars    int
	SkillsMaxChars    int
	HistoryMaxChars   int
	MediaMaxBytes     int64
}

// ContextBuilder assembles the ordered message array for an LLM call:
// system prompt (bootstrap files + memory + skills), session history, and
// the current message with media attached.
type ContextBuilder struct {
	workspace string
	memory    *memory.Index    // may be nil
	skills    *skills.Registry // may be nil
	caps      ContextCaps
}

// NewContextBuilder wires the builder. memory and skills are optional.
func NewContextBuilder(workspace string, mem *memory.Index, sk *skills.Registry, caps ContextCaps) *ContextBuilder {
	if caps.BootstrapMaxChars <= 0 {
		caps.BootstrapMaxChars = 24_000
	}
	if caps.MemoryMaxChars <= 0 {
		caps.MemoryMaxChars = 8_000
	}
	if caps.SkillsMaxChars <= 0 {
		caps.SkillsMaxChars = 4_000
	}
	if caps.HistoryMaxChars <= 0 {
		caps.HistoryMaxChars = 64_000
	}
	if caps.MediaMaxBytes <= 0 {
		caps.MediaMaxBytes = 8 * 1024 * 1024
	}
	return &ContextBuilder{workspace: workspace, memory: mem, skills: sk, caps: caps}
}

// NormalizeMedia maps the message's media paths to workspace-relative form
// where possible; call it before persisting the turn so the session record
// holds normalized paths.
func (b *ContextBuilder) NormalizeMedia(descriptors []bus.MediaDescriptor) []bus.MediaDescriptor {
	return normalizeMedia(descriptors, b.workspace)
}

// Build composes the full message array for the current inbound message.
func (b *ContextBuilder) Build(session *sessions.Session, current bus.InboundMessage, settings sessions.Settings) []providers.Message {
	var messages []providers.Message

	messages = append(messages, providers.Message{
		Role:    "system",
		Content: b.systemPrompt(session.Key, current.Content, settings),
	})

	messages = append(messages, b.historyMessages(session.Turns)...)

	userMsg := providers.Message{Role: "user", Content: current.Content}
	if len(current.Media) > 0 {
		images, notes := loadMedia(current.Media, b.workspace, b.caps.MediaMaxBytes)
		userMsg.Images = images
		if len(notes) > 0 {
			userMsg.Content = strings.TrimSpace(userMsg.Content + "\n\n" + strings.Join(notes, "\n"))
		}
	}
	messages = append(messages, userMsg)

	return messages
}

// systemPrompt concatenates the bootstrap files, the memory block, and the
// skills summary, each under its own cap.
func (b *ContextBuilder) systemPrompt(sessionKey, query string, settings sessions.Settings) string {
	var sb strings.Builder

	sb.WriteString(b.bootstrapBlock())

	fmt.Fprintf(&sb, "\nWorkspace: %s\n", b.workspace)
	if settings.RestrictWorkspace {
		sb.WriteString("File access is restricted to the workspace.\n")
	}
	if settings.Verbosity != "" {
		fmt.Fprintf(&sb, "Reply verbosity preference: %s.\n", settings.Verbosity)
	}

	if mem := b.memoryBlock(sessionKey, query, settings.SenderID); mem != "" {
		sb.WriteString("\n# Memory\n\n")
		sb.WriteString(mem)
	}

	if b.skills != nil {
		if summary := b.skills.Summary(b.caps.SkillsMaxChars); summary != "" {
			sb.WriteString("\n# Skills\n\n")
			sb.WriteString(summary)
		}
	}

	return sb.String()
}

// bootstrapBlock reads the identity/soul/user/tool files, bounded overall.
func (b *ContextBuilder) bootstrapBlock() string {
	var sb strings.Builder
	remaining := b.caps.BootstrapMaxChars
	for _, name := range []string{
		bootstrap.IdentityFile,
		bootstrap.SoulFile,
		bootstrap.UserFile,
		bootstrap.ToolsFile,
	} {
		data, err := os.ReadFile(filepath.Join(b.workspace, name))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		if len(text) > remaining {
			text = text[:remaining]
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
		remaining -= len(text)
		if remaining <= 0 {
			break
		}
	}
	return sb.String()
}

// memoryBlock retrieves the top chunks for the session and user scopes.
func (b *ContextBuilder) memoryBlock(sessionKey, query, senderID string) string {
	if b.memory == nil || strings.TrimSpace(query) == "" {
		return ""
	}

	scopes := []memory.Scope{memory.SessionScope(sessionKey), memory.GlobalScope()}
	if senderID != "" {
		scopes = append(scopes, memory.UserScope(senderID))
	}

	var sb strings.Builder
	for _, scope := range scopes {
		chunks, err := b.memory.Retrieve(scope, query, 3)
		if err != nil {
			continue
		}
		for _, c := range chunks {
			entry := fmt.Sprintf("- (%s) %s\n", c.Scope.Kind, truncateStr(c.Text, 800))
			if sb.Len()+len(entry) > b.caps.MemoryMaxChars {
				return sb.String()
			}
			sb.WriteString(entry)
		}
	}
	return sb.String()
}

// historyMessages keeps the most recent turns whose concatenated size fits
// the history cap. Older turns are dropped, never reordered.
func (b *ContextBuilder) historyMessages(turns []sessions.Turn) []providers.Message {
	if len(turns) == 0 {
		return nil
	}

	// Walk backwards to find the cut point, then emit in original order.
	total := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		total += len(turns[i].Content)
		if total > b.caps.HistoryMaxChars {
			break
		}
		start = i
	}

	out := make([]providers.Message, 0, len(turns)-start)
	for _, t := range turns[start:] {
		role := t.Role
		if role != "user" && role != "assistant" && role != "system" {
			continue
		}
		out = append(out, providers.Message{Role: role, Content: t.Content})
	}
	return out
}
