package inbound

import (
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"wechatslave/pkg/message"
	"wechatslave/pkg/wechat"
)

// LocationRedirectPrefix marks a text event that is really a shared location.
const LocationRedirectPrefix = "http://weixin.qq.com/cgi-bin/redirectforward?args="

const systemPrefix = "System message: "

var coordinates = regexp.MustCompile(`=(-?[0-9.]+),(-?[0-9.]+)`)

func (t *Translator) text(ctx context.Context, ev wechat.Event) (message.Message, error) {
	if strings.HasPrefix(ev.Text, LocationRedirectPrefix) {
		return t.location(ctx, ev)
	}
	msg := message.New(message.KindText)
	msg.Text = ev.Text
	return msg, nil
}

func (t *Translator) system(_ context.Context, ev wechat.Event) (message.Message, error) {
	msg := message.New(message.KindSystem)
	msg.Text = systemPrefix + ev.Text
	return msg, nil
}

func (t *Translator) location(_ context.Context, ev wechat.Event) (message.Message, error) {
	url := ev.URL
	if url == "" {
		url = ev.Text
	}

	m := coordinates.FindStringSubmatch(url)
	if m == nil {
		return message.Message{}, fmt.Errorf("%w: no coordinates in location url %q", ErrMalformedEvent, url)
	}
	lat, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return message.Message{}, fmt.Errorf("%w: latitude %q: %v", ErrMalformedEvent, m[1], err)
	}
	lng, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return message.Message{}, fmt.Errorf("%w: longitude %q: %v", ErrMalformedEvent, m[2], err)
	}

	body := ev.Content
	if body == "" {
		body = ev.Text
	}
	body, _, _ = strings.Cut(body, "\n")
	body = strings.TrimRightFunc(body, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})

	msg := message.New(message.KindLocation)
	msg.Text = body
	msg.Attributes.Location = &message.Location{Latitude: lat, Longitude: lng}
	return msg, nil
}

type appMessage struct {
	XMLName xml.Name `xml:"msg"`
	App     struct {
		Title       string `xml:"title"`
		Description string `xml:"des"`
		URL         string `xml:"url"`
	} `xml:"appmsg"`
}

func (t *Translator) link(_ context.Context, ev wechat.Event) (message.Message, error) {
	var doc appMessage
	if err := xml.Unmarshal([]byte(ev.Content), &doc); err != nil {
		return message.Message{}, fmt.Errorf("%w: sharing payload: %v", ErrMalformedEvent, err)
	}
	app := doc.App
	if app.Title == "" && app.URL == "" {
		return message.Message{}, fmt.Errorf("%w: sharing payload has no title or url", ErrMalformedEvent)
	}

	msg := message.New(message.KindLink)
	msg.Attributes.Link = &message.Link{
		Title:       strings.TrimSpace(app.Title),
		Description: strings.TrimSpace(app.Description),
		URL:         strings.TrimSpace(app.URL),
	}
	l := msg.Attributes.Link
	msg.Text = fmt.Sprintf("🔗 %s\n%s\n\n%s", l.Title, l.Description, l.URL)
	return msg, nil
}

func (t *Translator) picture(ctx context.Context, ev wechat.Event) (message.Message, error) {
	kind := message.KindSticker
	if ev.MsgType == wechat.MsgTypePicture {
		kind = message.KindImage
	}
	return t.media(ctx, ev, kind, "")
}

func (t *Translator) file(ctx context.Context, ev wechat.Event) (message.Message, error) {
	return t.media(ctx, ev, message.KindFile, ev.FileName)
}

func (t *Translator) audio(ctx context.Context, ev wechat.Event) (message.Message, error) {
	return t.media(ctx, ev, message.KindAudio, "")
}

func (t *Translator) video(ctx context.Context, ev wechat.Event) (message.Message, error) {
	return t.media(ctx, ev, message.KindVideo, "")
}

func (t *Translator) media(ctx context.Context, ev wechat.Event, kind message.Kind, text string) (message.Message, error) {
	att, err := t.store.Materialize(ctx, ev, kind)
	if err != nil {
		return message.Message{}, err
	}
	msg := message.New(kind)
	msg.Text = text
	msg.Attachment = &att
	return msg, nil
}

func (t *Translator) card(_ context.Context, ev wechat.Event) (message.Message, error) {
	if ev.Card == nil {
		return message.Message{}, fmt.Errorf("%w: card event without profile", ErrMalformedEvent)
	}
	c := *ev.Card

	msg := message.New(message.KindCommand)
	msg.Text = renderCard("Name card", c)
	msg.Attributes.Commands = []message.Action{
		friendAction(c.UserName, 2, ""),
	}
	return msg, nil
}

func (t *Translator) friendRequest(_ context.Context, ev wechat.Event) (message.Message, error) {
	if ev.Card == nil {
		return message.Message{}, fmt.Errorf("%w: friend request without profile", ErrMalformedEvent)
	}
	c := ev.Card.Merged()

	msg := message.New(message.KindCommand)
	msg.Text = renderCard("Friend request", c)
	msg.Attributes.Commands = []message.Action{
		friendAction(c.UserName, 3, ev.Ticket),
	}
	return msg, nil
}

// AddFriendCallable is the command registry name of the friend request action.
const AddFriendCallable = "add_friend"

func friendAction(userName string, status int, ticket string) message.Action {
	return message.Action{
		Name:     "Send friend request",
		Callable: AddFriendCallable,
		Args:     []any{},
		Kwargs: map[string]any{
			"userName": userName,
			"status":   status,
			"ticket":   ticket,
		},
	}
}

func renderCard(title string, c wechat.Card) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", title, c.NickName)
	fmt.Fprintf(&b, "From: %s, %s\n", c.Province, c.City)
	fmt.Fprintf(&b, "QQ: %s\n", c.QQNum)
	fmt.Fprintf(&b, "ID: %s\n", c.Alias)
	fmt.Fprintf(&b, "Signature: %s\n", c.Signature)
	fmt.Fprintf(&b, "Gender: %s", gender(c.Sex))
	return b.String()
}

func gender(sex int) string {
	switch sex {
	case 1:
		return "Male"
	case 2:
		return "Female"
	default:
		return "Unknown"
	}
}
