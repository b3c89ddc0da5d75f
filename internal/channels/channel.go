// Package channels defines the ChannelAdapter contract the core consumes:
// any implementation that can Start/Stop/Send and produce InboundMessages
// is compatible with the AgentLoop via the MessageBus.
package channels

import (
	"context"
	"strings"
	"time"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

// Adapter is the channel interface consumed by the core. Each channel
// enforces its own allowlist and per-sender rate limits before admission;
// the core trusts whatever InboundMessage the adapter hands to the bus.
type Adapter interface {
	// Name returns the channel identifier ("telegram", "webui", ...).
	Name() string
	// Trusted reports whether this channel's metadata overrides (notably
	// session_key) are honored by the core. Only the local browser UI is
	// trusted by default; network-exposed chat channels are not.
	Trusted() bool
	// Start begins listening for messages, publishing InboundMessages to
	// bus until ctx is cancelled.
	Start(ctx context.Context, bus *bus.Bus) error
	// Stop gracefully shuts the adapter down.
	Stop(ctx context.Context) error
	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Base provides the allowlist/rate-limit plumbing shared by every adapter;
// concrete adapters embed it.
type Base struct {
	name      string
	trusted   bool
	allowList []string
	limiter   *RateLimiter
}

// NewBase builds the shared adapter state. rateLimit<=0 disables limiting.
func NewBase(name string, trusted bool, allowList []string, rateLimit int, rateWindow time.Duration) *Base {
	var rl *RateLimiter
	if rateLimit > 0 {
		rl = NewRateLimiter(rateLimit, rateWindow)
	}
	return &Base{name: name, trusted: trusted, allowList: allowList, limiter: rl}
}

func (b *Base) Name() string  { return b.name }
func (b *Base) Trusted() bool { return b.trusted }

// IsAllowed reports whether senderID passes the allowlist (empty allowlist
// means everyone is allowed) and the per-(channel,sender) rate limit.
func (b *Base) IsAllowed(senderID string) bool {
	if len(b.allowList) > 0 {
		allowed := false
		for _, a := range b.allowList {
			if strings.EqualFold(a, senderID) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if b.limiter != nil && !b.limiter.Allow(senderID) {
		return false
	}
	return true
}

// BuildInbound constructs an InboundMessage stamped with the channel's
// trusted flag. Metadata is passed through unchanged; sessions.KeyFor
// honors Metadata["session_key"] as a routing override only when that flag
// is set.
func (b *Base) BuildInbound(chatID, senderID, content string, media []bus.MediaDescriptor, metadata map[string]string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:  b.name,
		ChatID:   chatID,
		SenderID: senderID,
		Role:     bus.RoleUser,
		Content:  content,
		Media:    media,
		Metadata: metadata,
		Trusted:  b.trusted,
		At:       time.Now().UTC(),
	}
}

// Truncate shortens s to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
