// Package bus implements the kernel's bounded inbound/outbound message
// queues: the single hand-off point between ChannelAdapters and the
// AgentLoop.
package bus

import "time"

// MediaDescriptor references a piece of media attached to a message. Paths
// are normalized to workspace-relative when possible; absolute paths
// outside the workspace are preserved verbatim.
type MediaDescriptor struct {
	Path   string `json:"path"`
	Mime   string `json:"mime"`
	Inline bool   `json:"inline,omitempty"`
}

// Role enumerates the sender of an InboundMessage.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// InboundMessage arrives from a ChannelAdapter, or from SubagentManager as a
// system message. session_key is derived from Metadata["session_key"] only
// when the originating channel is trusted; otherwise it defaults to
// "<channel>:<chat_id>".
type InboundMessage struct {
	ID       string            `json:"id"`
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	SenderID string            `json:"sender_id"`
	Role     Role              `json:"role"`
	Content  string            `json:"content"`
	Media    []MediaDescriptor `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Trusted  bool              `json:"-"`
	At       time.Time         `json:"ts"`
}

// OutboundMessage is emitted to a ChannelAdapter. Metadata carries
// channel-specific hints such as type=status for progress updates.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsStatus reports whether this outbound message is a transient progress
// update rather than a final reply.
func (m OutboundMessage) IsStatus() bool {
	return m.Metadata != nil && m.Metadata["type"] == "status"
}
