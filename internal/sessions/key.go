package sessions

import (
	"fmt"
	"regexp"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

// KeyFor derives the session_key for an inbound message. A metadata
// override is honored only when the originating channel is trusted;
// otherwise the key defaults to "<channel>:<chat_id>".
func KeyFor(msg bus.InboundMessage) string {
	if msg.Trusted {
		if override := msg.Metadata["session_key"]; override != "" {
			return override
		}
	}
	return msg.Channel + ":" + msg.ChatID
}

var unsafeChar = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SafeKey maps session_key to a filesystem-safe name: every character
// outside [A-Za-z0-9_-] becomes '_'. Any key the sanitization actually
// changed also gets a short content-hash suffix, so two distinct originals
// that sanitize to the same text ("a:b" and "a?b") still land on distinct
// names. A pure function of the key: the same key maps to the same file in
// every process and across restarts.
func SafeKey(key string) string {
	mapped := unsafeChar.ReplaceAllString(key, "_")
	if mapped == key {
		return mapped
	}
	return mapped + "_" + shortHash(key)
}

func shortHash(s string) string {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return fmt.Sprintf("%08x", h)[:6]
}
