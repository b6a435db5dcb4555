// Package bus carries messages between channel adapters and the agent
// runtime over buffered in-process queues.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

const (
	// DefaultBuffer is the per-direction queue depth.
	DefaultBuffer = 256

	// DefaultOutboundPerSec throttles deliveries so a burst of agent
	// replies cannot trip channel-side flood protection.
	DefaultOutboundPerSec = 5.0
)

// MessageBus is the in-process MessageRouter used by the gateway.
// Outbound consumption is rate limited; inbound is not.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	limiter  *rate.Limiter

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewMessageBus creates a bus with the given queue depth and outbound
// rate. Non-positive arguments fall back to defaults.
func NewMessageBus(buffer int, outboundPerSec float64) *MessageBus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if outboundPerSec <= 0 {
		outboundPerSec = DefaultOutboundPerSec
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, buffer),
		outbound: make(chan OutboundMessage, buffer),
		limiter:  rate.NewLimiter(rate.Limit(outboundPerSec), 1),
		done:     make(chan struct{}),
	}
}

// Close unblocks all consumers. Queued messages are discarded.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

// PublishInbound enqueues a message from a channel adapter. Drops with a
// warning when the queue is full rather than blocking the adapter.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	case <-b.done:
	default:
		slog.Warn("inbound queue full, dropping message",
			"channel", msg.Channel, "chat", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message is available. ok is false when
// the context is done or the bus closed.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	case <-b.done:
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a reply for delivery.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	case <-b.done:
	default:
		slog.Warn("outbound queue full, dropping message",
			"channel", msg.Channel, "chat", msg.ChatID)
	}
}

// ConsumeOutbound blocks until a message is available and the rate
// limiter admits it.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		if err := b.limiter.Wait(ctx); err != nil {
			return OutboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	case <-b.done:
		return OutboundMessage{}, false
	}
}
