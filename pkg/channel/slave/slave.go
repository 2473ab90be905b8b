// Package slave wires the WeChat translation engine into one channel.
package slave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"wechatslave/pkg/attachment"
	"wechatslave/pkg/bus"
	"wechatslave/pkg/channel"
	"wechatslave/pkg/command"
	"wechatslave/pkg/identity"
	"wechatslave/pkg/inbound"
	"wechatslave/pkg/message"
	"wechatslave/pkg/outbound"
	"wechatslave/pkg/storage"
	"wechatslave/pkg/wechat"
)

const eventBuffer = 64

// Options identify the channel.
type Options struct {
	ID   string
	Name string
}

// Slave is the WeChat channel.
type Slave struct {
	opts   Options
	client wechat.Client
	bus    *bus.MessageBus
	log    *slog.Logger

	resolver   *identity.Resolver
	translator *inbound.Translator
	encoder    *outbound.Encoder
	commands   *command.Bridge
	operator   *command.Operator
}

var _ channel.Slave = (*Slave)(nil)

// New builds the channel over a connected client. Attachments are stored in dir.
func New(opts Options, client wechat.Client, mb *bus.MessageBus, dir *storage.Dir, log *slog.Logger) (*Slave, error) {
	if client == nil {
		return nil, errors.New("wechat client is required")
	}
	if mb == nil {
		return nil, errors.New("message bus is required")
	}
	if dir == nil {
		return nil, errors.New("storage directory is required")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("channel", opts.ID)

	resolver := identity.NewResolver(client, log)
	return &Slave{
		opts:       opts,
		client:     client,
		bus:        mb,
		log:        log.With("component", "channel.wechat"),
		resolver:   resolver,
		translator: inbound.New(opts.ID, resolver, attachment.New(dir, log), log),
		encoder:    outbound.New(resolver, client, log),
		commands:   command.NewBridge(client, log),
		operator:   command.NewOperator(opts.ID, opts.Name, resolver, client, log),
	}, nil
}

func (s *Slave) ID() string {
	return s.opts.ID
}

func (s *Slave) Name() string {
	return s.opts.Name
}

// Run drives the client run-loop and translates its events one at a time
// until the context ends or the session stops. A remote logout publishes a
// system message and returns wechat.ErrLoggedOut.
func (s *Slave) Run(ctx context.Context) error {
	events := make(chan wechat.Event, eventBuffer)
	runErr := make(chan error, 1)
	go func() {
		runErr <- s.client.Run(ctx, events)
	}()

	s.log.Info("WeChat channel started")
	for {
		select {
		case ev := <-events:
			s.handle(ctx, ev)
		case err := <-runErr:
			s.drain(ctx, events)
			return s.stopped(ctx, err)
		}
	}
}

func (s *Slave) drain(ctx context.Context, events <-chan wechat.Event) {
	for {
		select {
		case ev := <-events:
			s.handle(ctx, ev)
		default:
			return
		}
	}
}

func (s *Slave) stopped(ctx context.Context, err error) error {
	switch {
	case err == nil:
		s.log.Info("WeChat channel stopped")
		return nil
	case errors.Is(err, wechat.ErrLoggedOut):
		s.log.Warn("WeChat session logged out")
		notice := inbound.LoggedOut(s.opts.ID)
		s.bus.PublishInbound(ctx, notice)
		s.bus.PublishEvent(ctx, bus.Event{Type: bus.EventLoggedOut, Channel: s.opts.ID, MessageID: notice.ID})
		return err
	default:
		return fmt.Errorf("wechat run loop: %w", err)
	}
}

func (s *Slave) handle(ctx context.Context, ev wechat.Event) {
	if ev.Kind == wechat.EventSystem {
		s.log.Debug("WeChat system event", "msg_id", ev.MsgID, "text", message.Preview(ev.Text))
		return
	}
	if !s.translator.Subscribed(ev.Kind) {
		s.log.Debug("Ignoring unsubscribed event", "kind", ev.Kind, "msg_id", ev.MsgID)
		return
	}

	msg, err := s.translator.Translate(ctx, ev)
	if err != nil {
		s.log.Error("Failed to translate WeChat event", "kind", ev.Kind, "msg_id", ev.MsgID, "error", err)
		s.bus.PublishEvent(ctx, bus.Event{
			Type:     bus.EventTranslateFailed,
			Channel:  s.opts.ID,
			NativeID: ev.MsgID,
			Kind:     string(ev.Kind),
			Error:    err.Error(),
		})
		return
	}

	if !s.bus.PublishInbound(ctx, msg) {
		s.log.Warn("Ingress queue closed, message dropped", "msg_id", ev.MsgID)
		return
	}
	s.bus.PublishEvent(ctx, bus.Event{
		Type:      bus.EventMessageReceived,
		Channel:   s.opts.ID,
		MessageID: msg.ID,
		NativeID:  msg.NativeID,
		Kind:      string(msg.Kind()),
		UID:       msg.Origin.UID,
	})
}

// Send delivers one outbound message to WeChat.
func (s *Slave) Send(ctx context.Context, msg message.Message) error {
	result, err := s.encoder.Send(ctx, msg)
	event := bus.Event{
		Type:      bus.EventMessageSent,
		Channel:   s.opts.ID,
		MessageID: msg.ID,
		NativeID:  result.MsgID,
		Kind:      string(msg.Kind()),
		UID:       msg.Destination.UID,
	}
	if err != nil {
		event.Type = bus.EventSendFailed
		event.Error = err.Error()
	}
	s.bus.PublishEvent(ctx, event)
	return err
}

func (s *Slave) GetChats(ctx context.Context, includeGroups, includeUsers bool) ([]command.ChatSummary, error) {
	return s.operator.GetChats(ctx, includeGroups, includeUsers)
}

func (s *Slave) ListChats(ctx context.Context, param string) string {
	return s.operator.ListChats(ctx, param)
}

func (s *Slave) SetAlias(ctx context.Context, param string) string {
	return s.operator.SetAlias(ctx, param)
}

func (s *Slave) Invoke(ctx context.Context, action message.Action) string {
	return s.commands.Invoke(ctx, action)
}

// Resolver exposes identity lookups to host-side relays.
func (s *Slave) Resolver() *identity.Resolver {
	return s.resolver
}
