package inbound

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"wechatslave/pkg/attachment"
	"wechatslave/pkg/identity"
	"wechatslave/pkg/message"
	"wechatslave/pkg/storage"
	"wechatslave/pkg/wechat"
	"wechatslave/pkg/wechat/wechattest"
)

const channelID = "eh_wechat_slave"

func newFixture(t *testing.T) (*Translator, *wechattest.Client, *storage.Dir) {
	t.Helper()

	client := &wechattest.Client{
		Self: wechat.Contact{UserName: "@self", NickName: "Me"},
		FriendList: []wechat.Contact{
			{UserName: "@alice", NickName: "Alice", RemarkName: "Ally"},
			{UserName: "@bob", NickName: "Bob"},
		},
		MPList: []wechat.Contact{{UserName: "@news", NickName: "Daily News"}},
		Groups: []wechat.Contact{{UserName: "@@family", NickName: "Family"}},
		Members: map[string][]wechat.Contact{
			"@@family": {
				{UserName: "@carol", NickName: "Carol", DisplayName: "Auntie"},
				{UserName: "@dave", NickName: "Dave"},
			},
		},
	}

	dir, err := storage.Open(t.TempDir(), channelID)
	require.NoError(t, err)

	resolver := identity.NewResolver(client, nil)
	return New(channelID, resolver, attachment.New(dir, nil), nil), client, dir
}

func fromAlice(kind wechat.EventKind) wechat.Event {
	return wechat.Event{
		Kind:         kind,
		Scope:        wechat.ScopeFriend,
		MsgID:        "1001",
		FromUserName: "@alice",
		ToUserName:   "@self",
	}
}

func payload(data string) wechat.Downloader {
	return func(_ context.Context, path string) error {
		return os.WriteFile(path, []byte(data), 0o600)
	}
}

func TestTranslateTextEnrichesIdentities(t *testing.T) {
	tr, _, _ := newFixture(t)
	ev := fromAlice(wechat.EventText)
	ev.Text = "hello there"

	msg, err := tr.Translate(context.Background(), ev)
	require.NoError(t, err)

	require.Equal(t, message.KindText, msg.Kind())
	require.Equal(t, "hello there", msg.Text)
	require.Equal(t, channelID, msg.Channel)
	require.Equal(t, "1001", msg.NativeID)
	require.Equal(t, message.ScopeUser, msg.Source)
	require.Equal(t, message.Identity{Name: "Alice", Alias: "Ally", UID: identity.UIDOf("Alice")}, msg.Origin)
	require.Nil(t, msg.Member)
	require.Equal(t, "Me", msg.Destination.Name)
	require.Equal(t, identity.UIDOf("Me"), msg.Destination.UID)
}

func TestTranslateUnresolvedSender(t *testing.T) {
	tr, _, _ := newFixture(t)
	ev := fromAlice(wechat.EventText)
	ev.FromUserName = "@stranger"
	ev.Text = "hi"

	msg, err := tr.Translate(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, "User error. (UE01)", msg.Origin.Name)
	require.Equal(t, "User error. (UE01)", msg.Origin.Alias)
	require.Empty(t, msg.Origin.UID)
}

func TestTranslateFileHelperOrigin(t *testing.T) {
	tr, _, _ := newFixture(t)
	ev := fromAlice(wechat.EventText)
	ev.FromUserName = wechat.FileHelper
	ev.Text = "note to self"

	msg, err := tr.Translate(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, wechat.FileHelper, msg.Origin.UID)
}

func TestTranslateGroupTextResolvesMember(t *testing.T) {
	tr, client, _ := newFixture(t)
	ev := wechat.Event{
		Kind:           wechat.EventText,
		Scope:          wechat.ScopeGroup,
		MsgID:          "2002",
		FromUserName:   "@@family",
		ToUserName:     "@self",
		ActualUserName: "@carol",
		Text:           "dinner at 7",
	}

	msg, err := tr.Translate(context.Background(), ev)
	require.NoError(t, err)

	require.Equal(t, message.ScopeGroup, msg.Source)
	require.Equal(t, "Family", msg.Origin.Name)
	require.Equal(t, identity.UIDOf("Family"), msg.Origin.UID)
	require.NotNil(t, msg.Member)
	require.Equal(t, message.Identity{Name: "Carol", Alias: "Auntie", UID: identity.UIDOf("Carol")}, *msg.Member)
	require.Equal(t, 1, client.UpdateCalls)
}

func TestTranslateLocation(t *testing.T) {
	tr, _, _ := newFixture(t)
	ev := fromAlice(wechat.EventMap)
	ev.Content = "Shared location\n/cgi-bin/mmwebwx-bin/webwxgetpubliclinkimg?url=xxx"
	ev.URL = "http://apis.map.qq.com/uri/v1/geocoder?coord=31.2304,121.4737"

	msg, err := tr.Translate(context.Background(), ev)
	require.NoError(t, err)

	require.Equal(t, message.KindLocation, msg.Kind())
	require.Equal(t, "Shared location", msg.Text)
	require.Equal(t, &message.Location{Latitude: 31.2304, Longitude: 121.4737}, msg.Attributes.Location)
}

func TestTranslateLocationTrimsTrailingPunctuationAndKeepsSign(t *testing.T) {
	tr, _, _ := newFixture(t)
	ev := fromAlice(wechat.EventMap)
	ev.Content = "Rio de Janeiro:\n..."
	ev.URL = "http://maps/?coord=-22.9068,-43.1729"

	msg, err := tr.Translate(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, "Rio de Janeiro", msg.Text)
	require.Equal(t, -22.9068, msg.Attributes.Location.Latitude)
	require.Equal(t, -43.1729, msg.Attributes.Location.Longitude)
}

func TestTranslateLocationWithoutCoordinatesIsMalformed(t *testing.T) {
	tr, _, _ := newFixture(t)
	ev := fromAlice(wechat.EventMap)
	ev.Content = "Somewhere"
	ev.URL = "http://maps/?q=nowhere"

	_, err := tr.Translate(context.Background(), ev)
	require.ErrorIs(t, err, ErrMalformedEvent)
}

func TestTranslateRedirectTextIsNeverPlainText(t *testing.T) {
	tr, _, _ := newFixture(t)

	bare := fromAlice(wechat.EventText)
	bare.Text = LocationRedirectPrefix
	_, err := tr.Translate(context.Background(), bare)
	require.ErrorIs(t, err, ErrMalformedEvent)

	withCoords := fromAlice(wechat.EventText)
	withCoords.Text = LocationRedirectPrefix + "coord%3D1&coord=31.2304,121.4737"
	withCoords.Content = "Office\n"
	msg, err := tr.Translate(context.Background(), withCoords)
	require.NoError(t, err)
	require.Equal(t, message.KindLocation, msg.Kind())
	require.Equal(t, "Office", msg.Text)
}

func TestTranslateLink(t *testing.T) {
	tr, _, _ := newFixture(t)
	ev := fromAlice(wechat.EventSharing)
	ev.Content = `<msg><appmsg appid="" sdkver="0">
		<title>Go 1.26 released</title>
		<des>Release notes</des>
		<url>https://go.dev/blog</url>
	</appmsg></msg>`

	msg, err := tr.Translate(context.Background(), ev)
	require.NoError(t, err)

	require.Equal(t, message.KindLink, msg.Kind())
	require.Equal(t, &message.Link{Title: "Go 1.26 released", Description: "Release notes", URL: "https://go.dev/blog"}, msg.Attributes.Link)
	require.Equal(t, "🔗 Go 1.26 released\nRelease notes\n\nhttps://go.dev/blog", msg.Text)
}

func TestTranslateLinkMalformed(t *testing.T) {
	tr, _, _ := newFixture(t)

	for name, content := range map[string]string{
		"not xml":    "plain words",
		"no appmsg":  "<msg><other/></msg>",
		"wrong root": "<doc><appmsg><title>x</title></appmsg></doc>",
	} {
		t.Run(name, func(t *testing.T) {
			ev := fromAlice(wechat.EventSharing)
			ev.Content = content
			_, err := tr.Translate(context.Background(), ev)
			require.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestTranslatePictureDistinguishesSticker(t *testing.T) {
	tr, _, dir := newFixture(t)

	photo := fromAlice(wechat.EventPicture)
	photo.MsgType = wechat.MsgTypePicture
	photo.Download = payload("GIF89a....")
	msg, err := tr.Translate(context.Background(), photo)
	require.NoError(t, err)
	require.Equal(t, message.KindImage, msg.Kind())
	require.Empty(t, msg.Text)
	require.True(t, msg.HasAttachment())
	require.Equal(t, "image/gif", msg.Attachment.MIME)
	require.Equal(t, dir.Root(), filepath.Dir(msg.Attachment.Path))

	sticker := fromAlice(wechat.EventPicture)
	sticker.MsgType = 47
	sticker.MsgID = "1002"
	sticker.Download = payload("GIF89a....")
	msg, err = tr.Translate(context.Background(), sticker)
	require.NoError(t, err)
	require.Equal(t, message.KindSticker, msg.Kind())
}

func TestTranslateFileCarriesFileName(t *testing.T) {
	tr, _, _ := newFixture(t)
	ev := fromAlice(wechat.EventAttachment)
	ev.FileName = "notes.txt"
	ev.Download = payload("shopping list\n")

	msg, err := tr.Translate(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, message.KindFile, msg.Kind())
	require.Equal(t, "notes.txt", msg.Text)
	require.Equal(t, "text/plain", msg.Attachment.MIME)
}

func TestTranslateMediaFailureIsNotPublished(t *testing.T) {
	tr, _, _ := newFixture(t)

	for _, kind := range []wechat.EventKind{wechat.EventRecording, wechat.EventVideo} {
		ev := fromAlice(kind)
		ev.Download = func(context.Context, string) error { return errors.New("gone") }
		_, err := tr.Translate(context.Background(), ev)
		require.ErrorIs(t, err, attachment.ErrMaterialize, "kind %s", kind)
	}
}

func TestTranslateAudioAndVideoHaveNoText(t *testing.T) {
	tr, _, _ := newFixture(t)

	audio := fromAlice(wechat.EventRecording)
	audio.FileName = "voice.mp3"
	audio.Download = payload("ID3\x03\x00\x00\x00\x00\x00\x00")
	msg, err := tr.Translate(context.Background(), audio)
	require.NoError(t, err)
	require.Equal(t, message.KindAudio, msg.Kind())
	require.Empty(t, msg.Text)

	video := fromAlice(wechat.EventVideo)
	video.MsgID = "1003"
	video.Download = payload("\x00\x00\x00\x18ftypmp42")
	msg, err = tr.Translate(context.Background(), video)
	require.NoError(t, err)
	require.Equal(t, message.KindVideo, msg.Kind())
	require.Empty(t, msg.Text)
}

func TestTranslateCard(t *testing.T) {
	tr, _, _ := newFixture(t)
	ev := fromAlice(wechat.EventCard)
	ev.Card = &wechat.Card{
		UserName:  "@erin",
		NickName:  "Erin",
		Province:  "Zhejiang",
		City:      "Hangzhou",
		QQNum:     "10001",
		Alias:     "erin_w",
		Signature: "hi",
		Sex:       2,
	}

	msg, err := tr.Translate(context.Background(), ev)
	require.NoError(t, err)

	require.Equal(t, message.KindCommand, msg.Kind())
	require.Equal(t, "Name card: Erin\nFrom: Zhejiang, Hangzhou\nQQ: 10001\nID: erin_w\nSignature: hi\nGender: Female", msg.Text)
	require.Len(t, msg.Attributes.Commands, 1)
	action := msg.Attributes.Commands[0]
	require.Equal(t, "Send friend request", action.Name)
	require.Equal(t, AddFriendCallable, action.Callable)
	require.Empty(t, action.Args)
	require.Equal(t, map[string]any{"userName": "@erin", "status": 2, "ticket": ""}, action.Kwargs)
}

func TestTranslateFriendRequestMergesUserInfo(t *testing.T) {
	tr, _, _ := newFixture(t)
	ev := fromAlice(wechat.EventFriends)
	ev.FromUserName = "fmessage"
	ev.Ticket = "v2_ticket"
	ev.Card = &wechat.Card{
		UserName: "@outer",
		NickName: "Outer",
		Province: "Guangdong",
		UserInfo: &wechat.Card{UserName: "@frank", NickName: "Frank", City: "Shenzhen", Sex: 1},
	}

	msg, err := tr.Translate(context.Background(), ev)
	require.NoError(t, err)

	require.Equal(t, "Friend request: Frank\nFrom: Guangdong, Shenzhen\nQQ: \nID: \nSignature: \nGender: Male", msg.Text)
	require.Equal(t, map[string]any{"userName": "@frank", "status": 3, "ticket": "v2_ticket"}, msg.Attributes.Commands[0].Kwargs)
}

func TestTranslateCardWithoutProfileIsMalformed(t *testing.T) {
	tr, _, _ := newFixture(t)
	_, err := tr.Translate(context.Background(), fromAlice(wechat.EventCard))
	require.ErrorIs(t, err, ErrMalformedEvent)
}

func TestTranslateNoteIsSystemMessage(t *testing.T) {
	tr, _, _ := newFixture(t)
	ev := fromAlice(wechat.EventNote)
	ev.Text = "Alice recalled a message"

	msg, err := tr.Translate(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, message.KindSystem, msg.Kind())
	require.Equal(t, "System message: Alice recalled a message", msg.Text)
}

func TestTranslateUnsubscribedKind(t *testing.T) {
	tr, _, _ := newFixture(t)
	require.False(t, tr.Subscribed(wechat.EventSystem))
	require.True(t, tr.Subscribed(wechat.EventText))

	_, err := tr.Translate(context.Background(), fromAlice(wechat.EventSystem))
	require.ErrorIs(t, err, ErrNotSubscribed)
}

func TestLoggedOut(t *testing.T) {
	msg := LoggedOut(channelID)
	require.Equal(t, message.KindSystem, msg.Kind())
	require.Equal(t, message.ScopeSystem, msg.Source)
	require.Equal(t, "WeChat System Message", msg.Origin.Name)
	require.Equal(t, "WeChat system logged out the user.", msg.Text)
	require.Equal(t, channelID, msg.Channel)
}
