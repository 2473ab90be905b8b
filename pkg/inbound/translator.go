// Package inbound converts raw WeChat events into normalized messages.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"wechatslave/pkg/identity"
	"wechatslave/pkg/message"
	"wechatslave/pkg/wechat"
)

var (
	// ErrMalformedEvent fails the translation of one event; later events are unaffected.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrNotSubscribed is returned for event kinds without a handler.
	ErrNotSubscribed = errors.New("event kind not subscribed")
)

const unresolvedName = "User error. (UE01)"

// Resolver is the identity lookup surface the translator needs.
type Resolver interface {
	Resolve(ctx context.Context, q identity.Query) ([]wechat.Contact, error)
	Snapshot(ctx context.Context, refresh bool) (*identity.Snapshot, error)
}

// Materializer stores attachment payloads.
type Materializer interface {
	Materialize(ctx context.Context, ev wechat.Event, kind message.Kind) (message.Attachment, error)
}

type handlerFunc func(ctx context.Context, ev wechat.Event) (message.Message, error)

// Translator dispatches events by kind and enriches every result with identities.
type Translator struct {
	channelID string
	resolver  Resolver
	store     Materializer
	log       *slog.Logger
	handlers  map[wechat.EventKind]handlerFunc
}

// New builds a translator for one channel.
func New(channelID string, resolver Resolver, store Materializer, log *slog.Logger) *Translator {
	if log == nil {
		log = slog.Default()
	}

	t := &Translator{
		channelID: channelID,
		resolver:  resolver,
		store:     store,
		log:       log.With("component", "inbound"),
	}
	t.handlers = map[wechat.EventKind]handlerFunc{
		wechat.EventText:       t.text,
		wechat.EventMap:        t.location,
		wechat.EventSharing:    t.link,
		wechat.EventPicture:    t.picture,
		wechat.EventAttachment: t.file,
		wechat.EventRecording:  t.audio,
		wechat.EventVideo:      t.video,
		wechat.EventCard:       t.card,
		wechat.EventFriends:    t.friendRequest,
		wechat.EventNote:       t.system,
		wechat.EventUseless:    t.system,
	}
	return t
}

// Subscribed reports whether events of kind are translated.
func (t *Translator) Subscribed(kind wechat.EventKind) bool {
	_, ok := t.handlers[kind]
	return ok
}

// Translate builds the normalized message for one event.
func (t *Translator) Translate(ctx context.Context, ev wechat.Event) (message.Message, error) {
	handle, ok := t.handlers[ev.Kind]
	if !ok {
		return message.Message{}, fmt.Errorf("%w: %s", ErrNotSubscribed, ev.Kind)
	}

	msg, err := handle(ctx, ev)
	if err != nil {
		return message.Message{}, err
	}

	t.enrich(ctx, ev, &msg)
	t.log.Info("WeChat incoming message",
		"type", msg.Kind(),
		"text", message.Preview(msg.Text),
		"user_name", ev.FromUserName,
		"uid", msg.Origin.UID,
		"name", msg.Origin.Name,
	)
	return msg, nil
}

// enrich fills channel, origin, member and destination. Lookup failures
// degrade to placeholder identities and never fail the message.
func (t *Translator) enrich(ctx context.Context, ev wechat.Event, msg *message.Message) {
	msg.Channel = t.channelID
	msg.NativeID = ev.MsgID

	if ev.IsGroup() {
		msg.Source = message.ScopeGroup
	} else {
		msg.Source = message.ScopeUser
	}

	from, ok := t.first(ctx, identity.Query{NativeKey: ev.FromUserName})
	if ok {
		msg.Origin = message.NewIdentity(from.NickName, from.RemarkName, uidOf(from))
	} else {
		msg.Origin = message.NewIdentity(unresolvedName, "", "")
	}

	if ev.IsGroup() {
		member := message.NewIdentity(unresolvedName, "", "")
		group, ok := t.first(ctx, identity.Query{NativeKey: ev.FromUserName, MemberKey: ev.ActualUserName})
		if ok && len(group.MemberList) > 0 {
			m := group.MemberList[0]
			member = message.NewIdentity(m.NickName, m.DisplayName, identity.UIDOf(m.NickName))
		}
		msg.Member = &member
	}

	selfName := ""
	if snap, err := t.resolver.Snapshot(ctx, false); err == nil {
		selfName = snap.Self.NickName
	}
	destUID := ""
	if to, ok := t.first(ctx, identity.Query{NativeKey: ev.ToUserName}); ok {
		destUID = uidOf(to)
	}
	msg.Destination = message.NewIdentity(selfName, "", destUID)
}

func (t *Translator) first(ctx context.Context, q identity.Query) (wechat.Contact, bool) {
	if q.NativeKey == "" {
		return wechat.Contact{}, false
	}
	if q.NativeKey == wechat.FileHelper {
		return wechat.Contact{UserName: wechat.FileHelper, NickName: "File Helper"}, true
	}

	found, err := t.resolver.Resolve(ctx, q)
	if err != nil {
		t.log.Warn("Identity lookup failed", "user_name", q.NativeKey, "error", err)
		return wechat.Contact{}, false
	}
	if len(found) == 0 {
		return wechat.Contact{}, false
	}
	return found[0], true
}

func uidOf(c wechat.Contact) string {
	if c.UserName == wechat.FileHelper {
		return wechat.FileHelper
	}
	return identity.UIDOf(c.NickName)
}

// LoggedOut is the synthetic notice published when the session ends remotely.
func LoggedOut(channelID string) message.Message {
	msg := message.New(message.KindSystem)
	msg.Channel = channelID
	msg.Source = message.ScopeSystem
	msg.Origin = message.NewIdentity("WeChat System Message", "", "system")
	msg.Text = "WeChat system logged out the user."
	return msg
}
