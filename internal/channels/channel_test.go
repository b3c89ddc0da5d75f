package channels

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiterAllowsWithinWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("call %d refused within limit", i)
		}
	}
	if rl.Allow("alice") {
		t.Error("4th call should be refused")
	}
	// A different sender has its own budget.
	if !rl.Allow("bob") {
		t.Error("other sender refused")
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	rl := NewRateLimiter(1, 30*time.Millisecond)
	if !rl.Allow("k") {
		t.Fatal("first call refused")
	}
	if rl.Allow("k") {
		t.Fatal("second call within window allowed")
	}
	time.Sleep(40 * time.Millisecond)
	if !rl.Allow("k") {
		t.Error("call after window refused")
	}
}

func TestRateLimiterBoundsTrackedKeys(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	for i := 0; i < maxTrackedKeys+100; i++ {
		rl.Allow(fmt.Sprintf("sender-%d", i))
	}
	rl.mu.Lock()
	n := len(rl.entries)
	rl.mu.Unlock()
	if n > maxTrackedKeys {
		t.Errorf("tracking %d keys, cap is %d", n, maxTrackedKeys)
	}
}

func TestBaseAllowlist(t *testing.T) {
	b := NewBase("test", false, []string{"Alice", "bob"}, 0, 0)

	if !b.IsAllowed("alice") {
		t.Error("allowlist should match case-insensitively")
	}
	if !b.IsAllowed("bob") {
		t.Error("bob refused")
	}
	if b.IsAllowed("mallory") {
		t.Error("mallory allowed")
	}

	open := NewBase("open", false, nil, 0, 0)
	if !open.IsAllowed("anyone") {
		t.Error("empty allowlist should admit everyone")
	}
}

func TestBuildInboundCarriesTrustFlag(t *testing.T) {
	trusted := NewBase("webui", true, nil, 0, 0)
	msg := trusted.BuildInbound("chat1", "local", "hi", nil, map[string]string{"session_key": "custom"})
	if !msg.Trusted {
		t.Error("trusted channel message not flagged")
	}
	if msg.Metadata["session_key"] != "custom" {
		t.Error("metadata dropped")
	}

	untrusted := NewBase("telegram", false, nil, 0, 0)
	if untrusted.BuildInbound("c", "s", "x", nil, nil).Trusted {
		t.Error("untrusted channel message flagged trusted")
	}
}
