package gateway

import (
	"context"
	"errors"
	"log/slog"

	"wechatslave/pkg/bus"
	"wechatslave/pkg/channel"
	"wechatslave/pkg/message"
	"wechatslave/pkg/storage"
)

// LogRelay drains the ingress queue into the log. It is the host used when
// no chat host is configured.
type LogRelay struct {
	bus *bus.MessageBus
	log *slog.Logger
}

var _ channel.Relay = (*LogRelay)(nil)

func NewLogRelay(mb *bus.MessageBus, log *slog.Logger) (*LogRelay, error) {
	if mb == nil {
		return nil, errors.New("message bus is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &LogRelay{bus: mb, log: log.With("component", "relay.log")}, nil
}

func (r *LogRelay) Name() string {
	return "log"
}

func (r *LogRelay) Run(ctx context.Context) error {
	for {
		msg, ok := r.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		r.write(msg)
	}
}

func (r *LogRelay) write(msg message.Message) {
	attrs := []any{
		"message_id", msg.ID,
		"kind", msg.Kind(),
		"source", msg.Source,
		"from", msg.Origin.Alias,
		"uid", msg.Origin.UID,
		"text", message.Preview(msg.Text),
	}
	if msg.Member != nil {
		attrs = append(attrs, "member", msg.Member.Alias)
	}
	for _, action := range msg.Attributes.Commands {
		attrs = append(attrs, "command", action.Name)
	}
	if msg.HasAttachment() {
		attrs = append(attrs, "attachment", msg.Attachment.MIME)
		if err := storage.Remove(msg.Attachment.Path); err != nil {
			r.log.Warn("Failed to remove attachment", "path", msg.Attachment.Path, "error", err)
		}
	}
	r.log.Info("Relayed message", attrs...)
}
