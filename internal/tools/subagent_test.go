package tools

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/errs"
	"github.com/nanobot-ai/nanobot/internal/providers"
)

// scriptedProvider returns canned responses, blocking until release is
// closed when set.
type scriptedProvider struct {
	mu      sync.Mutex
	content string
	release chan struct{}
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return &providers.ChatResponse{Content: p.content, FinishReason: "stop"}, nil
}

func (p *scriptedProvider) DefaultModel() string { return "scripted" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func emptyRegistry(t *testing.T) func() *Registry {
	t.Helper()
	return func() *Registry {
		r, err := NewRegistry(DefaultConfig(), nil)
		if err != nil {
			t.Fatalf("NewRegistry: %v", err)
		}
		return r
	}
}

// Subagent count never exceeds the configured cap.
func TestSpawnRefusesAboveCap(t *testing.T) {
	release := make(chan struct{})
	provider := &scriptedProvider{content: "done", release: release}
	b := bus.New(bus.DefaultConfig())

	sm := NewSubagentManager(provider, "m", b, emptyRegistry(t), SubagentConfig{
		MaxConcurrent: 2,
		MaxIterations: 3,
		Timeout:       5 * time.Second,
	})

	origin := Origin{Channel: "test", ChatID: "1", ParentSession: "test:1"}
	for i := 0; i < 2; i++ {
		if _, err := sm.Spawn(context.Background(), "work", "", origin); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}

	if _, err := sm.Spawn(context.Background(), "third", "", origin); err == nil {
		t.Fatal("third spawn should be refused at cap 2")
	} else if !errs.Is(err, errs.Resource) {
		t.Errorf("refusal kind = %v, want Resource", err)
	}

	close(release)

	// Once tasks complete, spawning is possible again.
	deadline := time.After(3 * time.Second)
	for {
		if _, err := sm.Spawn(context.Background(), "later", "", origin); err == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatal("spawn still refused after tasks completed")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// A huge result is truncated before it reaches the main agent, with a
// marker, and is routed to the parent session as a system message.
func TestSubagentResultTruncatedAndPosted(t *testing.T) {
	const maxChars = 1024
	big := strings.Repeat("x", 200*1024)
	provider := &scriptedProvider{content: big}
	b := bus.New(bus.DefaultConfig())

	sm := NewSubagentManager(provider, "m", b, emptyRegistry(t), SubagentConfig{
		MaxConcurrent:  2,
		MaxIterations:  3,
		Timeout:        5 * time.Second,
		ResultMaxChars: maxChars,
	})

	origin := Origin{Channel: "telegram", ChatID: "42", ParentSession: "telegram:42"}
	if _, err := sm.Spawn(context.Background(), "produce a lot", "big", origin); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no system message posted")
	}

	if msg.Role != bus.RoleSystem {
		t.Errorf("role = %s, want system", msg.Role)
	}
	if msg.Metadata["session_key"] != "telegram:42" {
		t.Errorf("session_key = %q", msg.Metadata["session_key"])
	}
	if msg.Metadata["origin_channel"] != "telegram" {
		t.Errorf("origin_channel = %q", msg.Metadata["origin_channel"])
	}
	if !strings.Contains(msg.Content, "[truncated]") {
		t.Error("truncation marker missing")
	}
	// Envelope text plus at most cap chars of payload; nowhere near 200KiB.
	if len(msg.Content) > maxChars+512 {
		t.Errorf("posted %d chars, cap is %d", len(msg.Content), maxChars)
	}
}

func TestCancelMarksTaskCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	provider := &scriptedProvider{content: "done", release: release}
	b := bus.New(bus.DefaultConfig())

	sm := NewSubagentManager(provider, "m", b, emptyRegistry(t), DefaultSubagentConfig())

	if _, err := sm.Spawn(context.Background(), "long task", "victim", Origin{ParentSession: "s"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	tasks := sm.List()
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks", len(tasks))
	}
	if err := sm.Cancel(tasks[0].ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		status := sm.List()[0].Status
		if status == StatusCancelled {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("task status = %s, want cancelled", status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestCancelUnknownIDFails(t *testing.T) {
	sm := NewSubagentManager(&scriptedProvider{content: "x"}, "m", nil, emptyRegistry(t), DefaultSubagentConfig())
	if err := sm.Cancel("missing"); err == nil {
		t.Error("cancel of unknown id should fail")
	}
}
