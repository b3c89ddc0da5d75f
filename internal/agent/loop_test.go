package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/tools"
)

// fakeProvider delegates to a function, so each test scripts its own model.
type fakeProvider struct {
	fn func(req providers.ChatRequest) (*providers.ChatResponse, error)
}

func (p *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.fn(req)
}
func (p *fakeProvider) DefaultModel() string { return "fake" }
func (p *fakeProvider) Name() string         { return "fake" }

// lastUserContent extracts the newest user message from a request.
func lastUserContent(req providers.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

type harness struct {
	loop *Loop
	bus  *bus.Bus
	stop context.CancelFunc
}

func newHarness(t *testing.T, provider providers.Provider, mutate func(*LoopConfig)) *harness {
	t.Helper()

	b := bus.New(bus.DefaultConfig())
	store, err := sessions.NewStore(t.TempDir(), 16)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	reg, err := tools.NewRegistry(tools.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("tool registry: %v", err)
	}
	builder := NewContextBuilder(t.TempDir(), nil, nil, ContextCaps{})

	cfg := LoopConfig{
		Provider:          provider,
		Bus:               b,
		Sessions:          store,
		Tools:             reg,
		Builder:           builder,
		Model:             "fake",
		MaxToolIterations: 10,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	loop := NewLoop(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		b.Shutdown()
		loop.Stop(2 * time.Second)
	})
	return &harness{loop: loop, bus: b, stop: cancel}
}

func (h *harness) send(t *testing.T, channel, chat, content string) {
	t.Helper()
	err := h.bus.PublishInbound(context.Background(), bus.InboundMessage{
		ID: content, Channel: channel, ChatID: chat,
		Role: bus.RoleUser, Content: content, At: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("publish %q: %v", content, err)
	}
}

// nextReply consumes outbounds until a non-status message arrives.
func (h *harness) nextReply(t *testing.T, timeout time.Duration) (bus.OutboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		msg, ok := h.bus.ConsumeOutbound(ctx)
		if !ok {
			return bus.OutboundMessage{}, false
		}
		if msg.IsStatus() {
			continue
		}
		return msg, true
	}
}

// Replies for one session arrive in submission order even though the
// handler sleeps; a second session is not blocked behind the first.
func TestPerSessionFIFOUnderContention(t *testing.T) {
	provider := &fakeProvider{fn: func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		time.Sleep(100 * time.Millisecond)
		return &providers.ChatResponse{Content: "re:" + lastUserContent(req)}, nil
	}}
	h := newHarness(t, provider, nil)

	for _, m := range []string{"A", "B", "C"} {
		h.send(t, "telegram", "42", m)
	}
	h.send(t, "telegram", "99", "X")

	var ordered []string
	sawX := false
	for len(ordered) < 3 || !sawX {
		msg, ok := h.nextReply(t, 5*time.Second)
		if !ok {
			t.Fatalf("missing replies: got %v, sawX=%v", ordered, sawX)
		}
		switch msg.ChatID {
		case "42":
			ordered = append(ordered, msg.Content)
		case "99":
			sawX = true
		}
	}

	want := []string{"re:A", "re:B", "re:C"}
	for i := range want {
		if ordered[i] != want[i] {
			t.Fatalf("session 42 replies = %v, want %v", ordered, want)
		}
	}
}

// The count of concurrently running handlers never exceeds
// maxConcurrentMessages.
func TestCrossSessionConcurrencyCap(t *testing.T) {
	var running, peak atomic.Int32
	provider := &fakeProvider{fn: func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(120 * time.Millisecond)
		running.Add(-1)
		return &providers.ChatResponse{Content: "done"}, nil
	}}
	h := newHarness(t, provider, func(cfg *LoopConfig) {
		cfg.MaxConcurrentMessages = 2
	})

	for i := 0; i < 5; i++ {
		h.send(t, "telegram", fmt.Sprintf("chat%d", i), "go")
	}

	for i := 0; i < 5; i++ {
		if _, ok := h.nextReply(t, 5*time.Second); !ok {
			t.Fatalf("reply %d missing", i)
		}
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency %d, cap is 2", p)
	}
}

// A batch that keeps failing terminates the loop with a tooling-failure
// reply instead of spinning to the iteration cap.
func TestToolErrorBackoffTerminatesLoop(t *testing.T) {
	provider := &fakeProvider{fn: func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{
			ToolCalls:    []providers.ToolCall{{ID: "t1", Name: "broken", Arguments: map[string]interface{}{}}},
			FinishReason: "tool_calls",
		}, nil
	}}

	var executions atomic.Int64
	h := newHarness(t, provider, func(cfg *LoopConfig) {
		cfg.ToolErrorBackoff = 1
		if err := cfg.Tools.Register(&tools.Tool{
			Name:        "broken",
			Description: "always fails",
			Schema:      map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
			Execute: func(ctx context.Context, args map[string]interface{}) (*tools.Result, error) {
				executions.Add(1)
				return tools.ErrorResult("boom"), nil
			},
		}); err != nil {
			t.Fatalf("register: %v", err)
		}
	})

	h.send(t, "telegram", "1", "try it")
	msg, ok := h.nextReply(t, 5*time.Second)
	if !ok {
		t.Fatal("no reply")
	}
	if !strings.Contains(msg.Content, "tooling is failing") {
		t.Errorf("reply = %q, want tooling-failure notice", msg.Content)
	}
	// backoff=1 means the loop stops after the second fully-failed batch.
	if n := executions.Load(); n != 2 {
		t.Errorf("tool executed %d times, want 2", n)
	}
}

// The loop bound produces a bounded reply instead of spinning forever.
func TestMaxIterationsBoundedReply(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	provider := &fakeProvider{fn: func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return &providers.ChatResponse{
			ToolCalls:    []providers.ToolCall{{ID: "e", Name: "echo", Arguments: map[string]interface{}{"text": "again"}}},
			FinishReason: "tool_calls",
		}, nil
	}}
	h := newHarness(t, provider, func(cfg *LoopConfig) {
		cfg.MaxToolIterations = 3
		if err := cfg.Tools.Register(tools.NewEchoTool()); err != nil {
			t.Fatalf("register: %v", err)
		}
	})

	h.send(t, "telegram", "1", "loop forever")
	msg, ok := h.nextReply(t, 5*time.Second)
	if !ok {
		t.Fatal("no reply")
	}
	if !strings.Contains(msg.Content, "limit of tool steps") {
		t.Errorf("reply = %q, want max-iterations notice", msg.Content)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("provider called %d times, want 3", calls)
	}
}

// A hard LLM failure produces an apology, not a crash or silence.
func TestLLMHardFailureApologizes(t *testing.T) {
	provider := &fakeProvider{fn: func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		return nil, fmt.Errorf("model exploded")
	}}
	h := newHarness(t, provider, nil)

	h.send(t, "telegram", "1", "hello")
	msg, ok := h.nextReply(t, 5*time.Second)
	if !ok {
		t.Fatal("no reply")
	}
	if !strings.Contains(msg.Content, "trouble reaching") {
		t.Errorf("reply = %q, want apology", msg.Content)
	}
}

// A subagent system message is truncated before summarization and the
// summary goes to the origin chat; the full payload never reaches the LLM.
func TestProcessSystemMessageSummarizesTruncated(t *testing.T) {
	const resultCap = 2048
	var maxSeen atomic.Int64
	provider := &fakeProvider{fn: func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		for _, m := range req.Messages {
			if int64(len(m.Content)) > maxSeen.Load() {
				maxSeen.Store(int64(len(m.Content)))
			}
		}
		return &providers.ChatResponse{Content: "summary of the task"}, nil
	}}
	h := newHarness(t, provider, func(cfg *LoopConfig) {
		cfg.SubagentResultMaxChars = resultCap
	})

	big := strings.Repeat("z", 200*1024)
	err := h.bus.PublishInbound(context.Background(), bus.InboundMessage{
		ID: "sys1", Channel: "system", ChatID: "42",
		Role: bus.RoleSystem, Content: big,
		Metadata: map[string]string{"origin_channel": "telegram", "session_key": "telegram:42"},
		Trusted:  true,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, ok := h.nextReply(t, 5*time.Second)
	if !ok {
		t.Fatal("no outbound summary")
	}
	if msg.Channel != "telegram" || msg.ChatID != "42" {
		t.Errorf("summary routed to %s:%s", msg.Channel, msg.ChatID)
	}
	if msg.Content != "summary of the task" {
		t.Errorf("summary content = %q", msg.Content)
	}
	if seen := maxSeen.Load(); seen > resultCap+256 {
		t.Errorf("LLM saw %d chars, cap is %d", seen, resultCap)
	}
}

// ProcessDirect reuses the session machinery and returns the reply without
// publishing it.
func TestProcessDirectReturnsReply(t *testing.T) {
	provider := &fakeProvider{fn: func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "direct:" + lastUserContent(req)}, nil
	}}
	h := newHarness(t, provider, nil)

	reply, err := h.loop.ProcessDirect(context.Background(), DirectRequest{
		SessionKey: "cron:job1",
		Message:    "run the report",
		Channel:    "cron",
		ChatID:     "job1",
	})
	if err != nil {
		t.Fatalf("ProcessDirect: %v", err)
	}
	if reply != "direct:run the report" {
		t.Errorf("reply = %q", reply)
	}

	// Nothing published: the caller owns delivery.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if msg, ok := h.bus.ConsumeOutbound(ctx); ok && !msg.IsStatus() {
		t.Errorf("unexpected outbound %+v", msg)
	}
}

// The silent sentinel is saved to the session but never delivered.
func TestSilentReplySuppressed(t *testing.T) {
	provider := &fakeProvider{fn: func(req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: SilentSentinel}, nil
	}}
	h := newHarness(t, provider, nil)

	h.send(t, "telegram", "5", "nothing to say")
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	for {
		msg, ok := h.bus.ConsumeOutbound(ctx)
		if !ok {
			return // no reply delivered: correct
		}
		if !msg.IsStatus() {
			t.Fatalf("silent reply was delivered: %+v", msg)
		}
	}
}
