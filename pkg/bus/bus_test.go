package bus

import (
	"context"
	"testing"
	"time"
)

func TestInboundPreservesArrivalOrder(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	for _, content := range []string{"one", "two", "three"} {
		if ok := mb.PublishInbound(context.Background(), InboundMessage{Channel: "telegram", AccountID: "a", Content: content}); !ok {
			t.Fatalf("expected inbound publish of %q to succeed", content)
		}
	}

	for _, want := range []string{"one", "two", "three"} {
		got, ok := mb.ConsumeInbound(context.Background())
		if !ok {
			t.Fatal("expected inbound consume to succeed")
		}
		if got.Content != want {
			t.Fatalf("content = %q, want %q", got.Content, want)
		}
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	in := OutboundMessage{Channel: "discord", ChatID: "42", Content: "world"}
	if ok := mb.PublishOutbound(context.Background(), in); !ok {
		t.Fatal("expected outbound publish to succeed")
	}

	out, ok := mb.ConsumeOutbound(context.Background())
	if !ok {
		t.Fatal("expected outbound consume to succeed")
	}
	if out.Content != in.Content {
		t.Fatalf("content = %q, want %q", out.Content, in.Content)
	}
}

func TestSessionKey(t *testing.T) {
	msg := InboundMessage{Channel: "telegram", AccountID: "main", ChatID: "100"}
	if got := msg.SessionKey(); got != "telegram:main:100" {
		t.Fatalf("SessionKey = %q, want %q", got, "telegram:main:100")
	}
}

func TestCloseStopsBusOperations(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if ok := mb.PublishInbound(context.Background(), InboundMessage{Content: "hello"}); ok {
		t.Fatal("expected inbound publish to fail after close")
	}
	if ok := mb.PublishOutbound(context.Background(), OutboundMessage{Content: "hello"}); ok {
		t.Fatal("expected outbound publish to fail after close")
	}
	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatal("expected inbound consume to stop after close")
	}
	if _, ok := mb.ConsumeOutbound(context.Background()); ok {
		t.Fatal("expected outbound consume to stop after close")
	}
}

func TestContextCancellation(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if ok := mb.PublishInbound(ctx, InboundMessage{Content: "hello"}); ok {
		t.Fatal("expected publish to fail on canceled context")
	}
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatal("expected consume to fail on canceled context")
	}
}

func TestConsumeUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = mb.ConsumeInbound(context.Background())
	}()

	mb.Close()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("consume did not unblock after close")
	}
}

func TestEventFanoutAssignsIDs(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	eventsA, unsubA := mb.SubscribeEvents(ctx, 1)
	defer unsubA()
	eventsB, unsubB := mb.SubscribeEvents(ctx, 1)
	defer unsubB()

	if ok := mb.PublishEvent(ctx, Event{Type: EventGatewayRunning, Plugin: "telegram"}); !ok {
		t.Fatal("expected event publish to succeed")
	}

	for name, events := range map[string]<-chan Event{"A": eventsA, "B": eventsB} {
		select {
		case got := <-events:
			if got.Type != EventGatewayRunning {
				t.Fatalf("subscriber %s event type = %q, want %q", name, got.Type, EventGatewayRunning)
			}
			if got.ID == "" {
				t.Fatalf("subscriber %s expected event id", name)
			}
			if got.At.IsZero() {
				t.Fatalf("subscriber %s expected event timestamp", name)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublishEvent(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	defer unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventGatewayRunning}); !ok {
		t.Fatal("expected first event publish to succeed")
	}

	start := time.Now()
	if ok := mb.PublishEvent(ctx, Event{Type: EventGatewayFailed}); !ok {
		t.Fatal("expected second event publish to succeed")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish event blocked on slow subscriber")
	}

	select {
	case <-events:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one event")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventGatewayStopped}); !ok {
		t.Fatal("expected event publish to succeed")
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event channel close after unsubscribe")
	}
}

func TestSubscribeEventsUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	events, _ := mb.SubscribeEvents(context.Background(), 1)
	mb.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected event channel to be closed")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("event subscription did not unblock after close")
	}
}
