package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_InboundRoundTrip(t *testing.T) {
	b := NewMessageBus(4, 100)
	defer b.Close()

	b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "1", Content: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok || msg.Content != "hi" {
		t.Fatalf("got %+v, ok=%v", msg, ok)
	}
}

func TestMessageBus_ConsumeUnblocksOnCancel(t *testing.T) {
	b := NewMessageBus(4, 100)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("consume must fail on cancelled context")
	}
}

func TestMessageBus_ConsumeUnblocksOnClose(t *testing.T) {
	b := NewMessageBus(4, 100)

	done := make(chan bool, 1)
	go func() {
		_, ok := b.ConsumeOutbound(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("consume must report not-ok after close")
		}
	case <-time.After(time.Second):
		t.Fatal("consume did not unblock on close")
	}
}

func TestMessageBus_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	b := NewMessageBus(1, 100)
	defer b.Close()

	b.PublishInbound(InboundMessage{Content: "first"})
	b.PublishInbound(InboundMessage{Content: "second"}) // dropped, must not block

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok || msg.Content != "first" {
		t.Fatalf("got %+v, ok=%v", msg, ok)
	}
}

func TestMessageBus_OutboundRateLimited(t *testing.T) {
	// 50/sec: the second message waits roughly 20ms behind the first.
	b := NewMessageBus(4, 50)
	defer b.Close()

	b.PublishOutbound(OutboundMessage{Content: "a"})
	b.PublishOutbound(OutboundMessage{Content: "b"})

	ctx := context.Background()
	start := time.Now()
	if _, ok := b.ConsumeOutbound(ctx); !ok {
		t.Fatal("first consume failed")
	}
	if _, ok := b.ConsumeOutbound(ctx); !ok {
		t.Fatal("second consume failed")
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("two consumes in %v, want rate limiting to space them", elapsed)
	}
}
