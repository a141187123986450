package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventPluginInitialized     EventType = "plugin_initialized"
	EventPluginFailed          EventType = "plugin_failed"
	EventPluginStopped         EventType = "plugin_stopped"
	EventGatewayRunning        EventType = "gateway_running"
	EventGatewayFailed         EventType = "gateway_failed"
	EventGatewayRestarting     EventType = "gateway_restarting"
	EventGatewayStopped        EventType = "gateway_stopped"
	EventCredentialInvalidated EventType = "credential_invalidated"
)

// Event is a lifecycle notification. Payload values must never carry secret material.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	At        time.Time         `json:"at"`
	Plugin    string            `json:"plugin,omitempty"`
	AccountID string            `json:"account_id,omitempty"`
	State     string            `json:"state,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Error     string            `json:"error,omitempty"`
}

func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	mb.mu.RLock()
	defer mb.mu.RUnlock()

	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
