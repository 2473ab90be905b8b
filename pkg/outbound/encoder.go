// Package outbound re-encodes normalized messages into WeChat send calls.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"wechatslave/pkg/message"
	"wechatslave/pkg/storage"
	"wechatslave/pkg/wechat"
)

var (
	// ErrUnsupportedKind is returned for kinds WeChat cannot receive from the bridge.
	ErrUnsupportedKind = errors.New("message type not supported for sending")
	// ErrRejected means the network answered with a non-zero return code.
	ErrRejected = errors.New("wechat rejected the message")
)

// Resolver maps a UID back to a WeChat native key.
type Resolver interface {
	NativeKeyFor(ctx context.Context, uid string) (string, error)
}

// Encoder sends messages through the raw WeChat send primitives.
type Encoder struct {
	resolver Resolver
	sender   wechat.Sender
	log      *slog.Logger
}

// New returns an encoder.
func New(resolver Resolver, sender wechat.Sender, log *slog.Logger) *Encoder {
	if log == nil {
		log = slog.Default()
	}
	return &Encoder{
		resolver: resolver,
		sender:   sender,
		log:      log.With("component", "outbound"),
	}
}

// Send delivers msg to its destination. The encoder takes ownership of any
// attached file and removes it once it is no longer needed.
func (e *Encoder) Send(ctx context.Context, msg message.Message) (wechat.SendResult, error) {
	to, err := e.resolver.NativeKeyFor(ctx, msg.Destination.UID)
	if err != nil {
		return wechat.SendResult{}, fmt.Errorf("resolve destination %s: %w", msg.Destination.UID, err)
	}

	e.log.Info("Sending message to WeChat",
		"uid", msg.Destination.UID,
		"user_name", to,
		"name", msg.Destination.Name,
		"type", msg.Kind(),
		"text", message.Preview(msg.Text),
	)

	switch msg.Kind() {
	case message.KindText:
		return checked(e.sender.SendText(ctx, mentionText(msg), to))
	case message.KindImage, message.KindSticker:
		return e.sendImage(ctx, msg, to)
	case message.KindFile, message.KindVideo:
		return e.sendFile(ctx, msg, to)
	default:
		return wechat.SendResult{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, msg.Kind())
	}
}

// mentionText prefixes the body with an at-mention when replying to a member
// or quoting an earlier message.
func mentionText(msg message.Message) string {
	target := msg.Target
	if target == nil {
		return msg.Text
	}

	switch target.Kind {
	case message.TargetMember:
		if target.Member != nil {
			return fmt.Sprintf("@%s\u2005 %s", target.Member.Alias, msg.Text)
		}
	case message.TargetMessage:
		if quoted := target.Message; quoted != nil {
			alias := quoted.Origin.Alias
			if quoted.Member != nil {
				alias = quoted.Member.Alias
			}
			return fmt.Sprintf("@%s\u2005 「%s」\n\n%s", alias, quoted.Text, msg.Text)
		}
	}
	return msg.Text
}

func (e *Encoder) sendImage(ctx context.Context, msg message.Message, to string) (wechat.SendResult, error) {
	if !msg.HasAttachment() {
		return wechat.SendResult{}, fmt.Errorf("%s message without attachment", msg.Kind())
	}
	original := msg.Attachment.Path
	path := original

	switch msg.Attachment.MIME {
	case "image/gif", "image/jpeg":
	default:
		converted, err := toJPEG(original)
		if err != nil {
			return wechat.SendResult{}, err
		}
		// The converted copy goes either way; a retry converts the kept original again.
		defer e.remove(converted)
		e.log.Info("Image converted to JPEG", "path", converted)
		path = converted
	}

	result, err := checked(e.sender.SendImage(ctx, path, to))
	if err != nil {
		return result, err
	}
	e.remove(original)
	return result, nil
}

func (e *Encoder) sendFile(ctx context.Context, msg message.Message, to string) (wechat.SendResult, error) {
	if !msg.HasAttachment() {
		return wechat.SendResult{}, fmt.Errorf("%s message without attachment", msg.Kind())
	}
	defer e.remove(msg.Attachment.Path)

	e.log.Info("Sending file to WeChat", "file_name", msg.Text, "path", msg.Attachment.Path)
	return checked(e.sender.SendFile(ctx, msg.Attachment.Path, to))
}

func (e *Encoder) remove(path string) {
	if err := storage.Remove(path); err != nil {
		e.log.Warn("Failed to remove temporary file", "path", path, "error", err)
	}
}

func checked(result wechat.SendResult, err error) (wechat.SendResult, error) {
	if err != nil {
		return result, err
	}
	if !result.OK() {
		return result, fmt.Errorf("%w: ret=%d %s", ErrRejected, result.Ret, result.ErrMsg)
	}
	return result, nil
}
