// Package amqp relays the ingress queue and bridge lifecycle events to a
// RabbitMQ topic exchange as JSON envelopes.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wechatslave/pkg/bus"
	"wechatslave/pkg/channel"
	"wechatslave/pkg/message"
	"wechatslave/pkg/storage"
)

const (
	relayName         = "amqp"
	DefaultExchange   = "wechatslave"
	DefaultRoutingKey = "wechat"

	// MaxInlinePayload bounds attachment bytes carried inside one envelope.
	MaxInlinePayload = 8 << 20

	TypeMessage = "wechat.message.received.v1"
	TypeEvent   = "wechat.bridge.event.v1"

	eventBuffer = 256
)

// Meta identifies one envelope.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// Envelope is the JSON body of every published delivery.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// MessageData is the payload of a TypeMessage envelope. Payload holds the
// attachment bytes when the file fits MaxInlinePayload.
type MessageData struct {
	Message   message.Message `json:"message"`
	Payload   []byte          `json:"payload,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// Options configure routing.
type Options struct {
	RoutingKey string
	Producer   string
}

// Relay publishes inbound messages and bus events.
type Relay struct {
	opts      Options
	bus       *bus.MessageBus
	publisher Publisher
	log       *slog.Logger
}

var _ channel.Relay = (*Relay)(nil)

func New(opts Options, mb *bus.MessageBus, publisher Publisher, log *slog.Logger) (*Relay, error) {
	if mb == nil || publisher == nil {
		return nil, errors.New("message bus and publisher are required")
	}
	if strings.TrimSpace(opts.RoutingKey) == "" {
		opts.RoutingKey = DefaultRoutingKey
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		opts:      opts,
		bus:       mb,
		publisher: publisher,
		log:       log.With("component", "relay.amqp"),
	}, nil
}

func (r *Relay) Name() string {
	return relayName
}

// Run publishes until ctx ends, then closes the publisher.
func (r *Relay) Run(ctx context.Context) error {
	defer func() {
		if err := r.publisher.Close(); err != nil {
			r.log.Warn("Failed to close AMQP publisher", "error", err)
		}
	}()

	events, unsubscribe := r.bus.SubscribeEvents(ctx, eventBuffer)
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for event := range events {
			if err := r.publishEvent(ctx, event); err != nil {
				r.log.Error("Failed to publish bridge event", "type", event.Type, "error", err)
			}
		}
	}()

	r.log.Info("AMQP relay started", "routing_key", r.opts.RoutingKey)
	for {
		msg, ok := r.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		if err := r.publishMessage(ctx, msg); err != nil {
			r.log.Error("Failed to publish message", "message_id", msg.ID, "kind", msg.Kind(), "error", err)
		}
	}

	unsubscribe()
	wg.Wait()
	return nil
}

// publishMessage inlines the attachment and removes the file once the broker
// confirmed it. Files too large to inline stay on disk for the consumer.
func (r *Relay) publishMessage(ctx context.Context, msg message.Message) error {
	data := MessageData{Message: msg}
	if msg.HasAttachment() {
		payload, truncated, err := readPayload(msg.Attachment.Path)
		if err != nil {
			return err
		}
		data.Payload = payload
		data.Truncated = truncated
	}

	env := r.envelope(TypeMessage, msg.ID, data)
	if err := r.publisher.Publish(ctx, r.messageKey(msg), env); err != nil {
		return err
	}

	if msg.HasAttachment() && !data.Truncated {
		if err := storage.Remove(msg.Attachment.Path); err != nil {
			r.log.Warn("Failed to remove attachment", "path", msg.Attachment.Path, "error", err)
		}
	}
	return nil
}

func (r *Relay) publishEvent(ctx context.Context, event bus.Event) error {
	env := r.envelope(TypeEvent, event.MessageID, event)
	return r.publisher.Publish(ctx, r.eventKey(event), env)
}

func (r *Relay) envelope(kind, correlationID string, data any) Envelope {
	id := uuid.NewString()
	if correlationID == "" {
		correlationID = id
	}
	return Envelope{
		Meta: Meta{
			ID:            id,
			CorrelationID: correlationID,
			Producer:      r.opts.Producer,
			Time:          time.Now().UTC(),
			Type:          kind,
		},
		Data: data,
	}
}

// messageKey routes as <prefix>.<channel>.<source>.<kind>, e.g. wechat.eh_wechat_slave.group.image.
func (r *Relay) messageKey(msg message.Message) string {
	return r.opts.RoutingKey + "." + joinKey(msg.Channel, string(msg.Source), string(msg.Kind()))
}

// eventKey routes as <prefix>.<channel>.event.<type>.
func (r *Relay) eventKey(event bus.Event) string {
	return r.opts.RoutingKey + "." + joinKey(event.Channel, "event", string(event.Type))
}

// joinKey keeps every part a single routing key word.
func joinKey(parts ...string) string {
	words := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.ReplaceAll(strings.TrimSpace(part), ".", "_")
		if part == "" {
			part = "unknown"
		}
		words = append(words, part)
	}
	return strings.Join(words, ".")
}

func readPayload(path string) ([]byte, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false, fmt.Errorf("stat attachment: %w", err)
	}
	if info.Size() > MaxInlinePayload {
		return nil, true, nil
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("read attachment: %w", err)
	}
	return payload, false, nil
}
