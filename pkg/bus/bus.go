// Package bus is the ingress queue between the WeChat event loop and the host,
// plus an outbound queue and a lifecycle event fan-out.
package bus

import (
	"context"
	"sync"

	"wechatslave/pkg/message"
)

// DefaultQueueSize bounds each direction. Publishers block rather than drop when it fills.
const DefaultQueueSize = 1024

const defaultEventBuffer = 100

type MessageBus struct {
	inbound  chan message.Message
	outbound chan message.Message

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus(size int) *MessageBus {
	if size <= 0 {
		size = DefaultQueueSize
	}

	return &MessageBus{
		inbound:          make(chan message.Message, size),
		outbound:         make(chan message.Message, size),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

// PublishInbound enqueues a translated message for the host.
func (mb *MessageBus) PublishInbound(ctx context.Context, msg message.Message) bool {
	return mb.publish(ctx, mb.inbound, msg)
}

// ConsumeInbound blocks until a message is available, the context ends or the bus closes.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (message.Message, bool) {
	return mb.consume(ctx, mb.inbound)
}

// PublishOutbound enqueues a host message to be sent to WeChat.
func (mb *MessageBus) PublishOutbound(ctx context.Context, msg message.Message) bool {
	return mb.publish(ctx, mb.outbound, msg)
}

func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (message.Message, bool) {
	return mb.consume(ctx, mb.outbound)
}

// InboundLen reports how many translated messages wait for the host.
func (mb *MessageBus) InboundLen() int {
	return len(mb.inbound)
}

func (mb *MessageBus) publish(ctx context.Context, ch chan message.Message, msg message.Message) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case ch <- msg:
		return true
	}
}

func (mb *MessageBus) consume(ctx context.Context, ch chan message.Message) (message.Message, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return message.Message{}, false
	case <-mb.done:
		return message.Message{}, false
	case msg := <-ch:
		return msg, true
	}
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
