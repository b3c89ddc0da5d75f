package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishConsumeRoundTrip(t *testing.T) {
	b := New(Config{InboundCapacity: 4, OutboundCapacity: 4})
	ctx := context.Background()

	in := InboundMessage{ID: "m1", Channel: "test", ChatID: "42", Role: RoleUser, Content: "hi"}
	if err := b.PublishInbound(ctx, in); err != nil {
		t.Fatalf("PublishInbound: %v", err)
	}

	got, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("ConsumeInbound returned terminal")
	}
	if got.ID != "m1" || got.Content != "hi" {
		t.Errorf("got %+v, want m1/hi", got)
	}
}

func TestTryPublishInboundBackpressure(t *testing.T) {
	b := New(Config{InboundCapacity: 1, OutboundCapacity: 1})

	if !b.TryPublishInbound(InboundMessage{ID: "a"}) {
		t.Fatal("first publish should succeed")
	}
	if b.TryPublishInbound(InboundMessage{ID: "b"}) {
		t.Error("second publish should be refused: queue full")
	}

	// Draining frees capacity again.
	if _, ok := b.ConsumeInbound(context.Background()); !ok {
		t.Fatal("consume failed")
	}
	if !b.TryPublishInbound(InboundMessage{ID: "c"}) {
		t.Error("publish after drain should succeed")
	}
}

func TestShutdownDrainsThenTerminates(t *testing.T) {
	b := New(Config{InboundCapacity: 4, OutboundCapacity: 4})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := b.PublishInbound(ctx, InboundMessage{ID: id}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	b.Shutdown()

	// Queued messages drain before the terminal indicator.
	seen := 0
	for {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok {
			break
		}
		seen++
		if msg.ID != "a" && msg.ID != "b" {
			t.Errorf("unexpected message %q", msg.ID)
		}
	}
	if seen != 2 {
		t.Errorf("drained %d messages, want 2", seen)
	}

	if err := b.PublishInbound(ctx, InboundMessage{ID: "late"}); err == nil {
		t.Error("publish after shutdown should fail")
	}
}

func TestConsumeHonorsContextCancellation(t *testing.T) {
	b := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := b.ConsumeInbound(ctx)
		done <- ok
	}()

	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Error("cancelled consume should return terminal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not observe cancellation")
	}
}
