package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus moves inbound gateway traffic to the agent runtime, outbound replies back,
// and fans lifecycle events out to subscribers.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return NewMessageBusSize(defaultBufferSize)
}

// NewMessageBusSize builds a bus whose inbound and outbound queues hold size messages.
func NewMessageBusSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}

	return &MessageBus{
		inbound:          make(chan InboundMessage, size),
		outbound:         make(chan OutboundMessage, size),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// PublishInbound blocks until the message is queued, ctx ends, or the bus closes.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	return publish(ctx, mb.done, mb.inbound, msg)
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return consume(ctx, mb.done, mb.inbound)
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	return publish(ctx, mb.done, mb.outbound, msg)
}

func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return consume(ctx, mb.done, mb.outbound)
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}

func publish[T any](ctx context.Context, done <-chan struct{}, queue chan<- T, msg T) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	// Checked first so a closed bus never accepts a message even when the queue has room.
	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	case queue <- msg:
		return true
	}
}

func consume[T any](ctx context.Context, done <-chan struct{}, queue <-chan T) (T, bool) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return zero, false
	case <-done:
		return zero, false
	case msg := <-queue:
		return msg, true
	}
}
