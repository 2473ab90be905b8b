package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventMessageReceived EventType = "message_received"
	EventTranslateFailed EventType = "translate_failed"
	EventMessageSent     EventType = "message_sent"
	EventSendFailed      EventType = "send_failed"
	EventLoggedOut       EventType = "logged_out"
)

// Event describes one translation or delivery outcome. Events are advisory:
// slow subscribers miss them, the message queues never do.
type Event struct {
	Type      EventType         `json:"type"`
	At        time.Time         `json:"at"`
	Channel   string            `json:"channel,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	NativeID  string            `json:"native_id,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	UID       string            `json:"uid,omitempty"`
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

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	// Sends stay under the read lock so unsubscribe and Close cannot close a
	// channel mid-send.
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
		buffer = defaultEventBuffer
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
