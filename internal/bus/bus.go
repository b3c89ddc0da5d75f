package bus

import (
	"context"
	"sync"

	"github.com/nanobot-ai/nanobot/internal/errs"
)

// Config sets the bounded queue capacities. Zero values fall back to the
// defaults used throughout the kernel.
type Config struct {
	InboundCapacity  int
	OutboundCapacity int
}

// DefaultConfig matches the capacities named in the core's component design.
func DefaultConfig() Config {
	return Config{InboundCapacity: 256, OutboundCapacity: 256}
}

// Bus is the two-queue FIFO hand-off between ChannelAdapters and the
// AgentLoop. PublishInbound/PublishOutbound block when the corresponding
// queue is full, applying backpressure to callers; ConsumeInbound and
// ConsumeOutbound block until a message is available or the bus is closed.
type Bus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Bus with the given capacities.
func New(cfg Config) *Bus {
	if cfg.InboundCapacity <= 0 {
		cfg.InboundCapacity = 256
	}
	if cfg.OutboundCapacity <= 0 {
		cfg.OutboundCapacity = 256
	}
	return &Bus{
		inbound:  make(chan InboundMessage, cfg.InboundCapacity),
		outbound: make(chan OutboundMessage, cfg.OutboundCapacity),
		closed:   make(chan struct{}),
	}
}

// PublishInbound enqueues msg, blocking while the inbound queue is full.
// Returns a Resource error if the bus has been shut down, or a Transient
// error if ctx is cancelled before the message can be enqueued.
func (b *Bus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case <-b.closed:
		return errs.New(errs.Resource, "bus.PublishInbound", errShutdown)
	default:
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-b.closed:
		return errs.New(errs.Resource, "bus.PublishInbound", errShutdown)
	case <-ctx.Done():
		return errs.New(errs.Transient, "bus.PublishInbound", ctx.Err())
	}
}

// TryPublishInbound enqueues msg without blocking; it reports false
// (a non-fatal refusal) if the queue is currently full or the bus is
// closed, matching the backpressure policy in the concurrency model.
func (b *Bus) TryPublishInbound(msg InboundMessage) bool {
	select {
	case <-b.closed:
		return false
	default:
	}
	select {
	case b.inbound <- msg:
		return true
	default:
		return false
	}
}

// PublishOutbound enqueues msg, blocking while the outbound queue is full.
func (b *Bus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	select {
	case <-b.closed:
		return errs.New(errs.Resource, "bus.PublishOutbound", errShutdown)
	default:
	}
	select {
	case b.outbound <- msg:
		return nil
	case <-b.closed:
		return errs.New(errs.Resource, "bus.PublishOutbound", errShutdown)
	case <-ctx.Done():
		return errs.New(errs.Transient, "bus.PublishOutbound", ctx.Err())
	}
}

// ConsumeInbound blocks until a message is available, the bus is shut down,
// or ctx is cancelled. ok is false on shutdown/cancellation (terminal).
func (b *Bus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, open := <-b.inbound:
		if !open {
			return InboundMessage{}, false
		}
		return msg, true
	case <-b.closed:
		// Drain any already-queued messages before returning terminal.
		select {
		case msg := <-b.inbound:
			return msg, true
		default:
			return InboundMessage{}, false
		}
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// ConsumeOutbound blocks until a message is available, the bus is shut
// down, or ctx is cancelled.
func (b *Bus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, open := <-b.outbound:
		if !open {
			return OutboundMessage{}, false
		}
		return msg, true
	case <-b.closed:
		select {
		case msg := <-b.outbound:
			return msg, true
		default:
			return OutboundMessage{}, false
		}
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Shutdown signals all consumers to drain and return terminal. Safe to call
// more than once.
func (b *Bus) Shutdown() {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
}

var errShutdown = shutdownErr{}

type shutdownErr struct{}

func (shutdownErr) Error() string { return "bus is shutting down" }
