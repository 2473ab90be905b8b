package telegram

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/require"

	"wechatslave/pkg/bus"
	"wechatslave/pkg/config"
	"wechatslave/pkg/message"
)

const masterChat = int64(-100200)

type sentItem struct {
	method  string
	text    string
	replyTo int
}

type fakeBot struct {
	updates chan telego.Update

	mu    sync.Mutex
	sent  []sentItem
	next  int
	latLn [2]float64
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan telego.Update, 4)}
}

func (b *fakeBot) record(method, text string, replyTo int) (*telego.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.sent = append(b.sent, sentItem{method: method, text: text, replyTo: replyTo})
	return &telego.Message{MessageID: b.next}, nil
}

func (b *fakeBot) items() []sentItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentItem(nil), b.sent...)
}

func (b *fakeBot) UpdatesViaLongPolling(context.Context, *telego.GetUpdatesParams, ...telego.LongPollingOption) (<-chan telego.Update, error) {
	return b.updates, nil
}

func (b *fakeBot) SendMessage(_ context.Context, p *telego.SendMessageParams) (*telego.Message, error) {
	replyTo := 0
	if p.ReplyParameters != nil {
		replyTo = p.ReplyParameters.MessageID
	}
	return b.record("message", p.Text, replyTo)
}

func (b *fakeBot) SendPhoto(_ context.Context, p *telego.SendPhotoParams) (*telego.Message, error) {
	return b.record("photo", p.Caption, 0)
}

func (b *fakeBot) SendDocument(_ context.Context, p *telego.SendDocumentParams) (*telego.Message, error) {
	return b.record("document", p.Caption, 0)
}

func (b *fakeBot) SendAudio(_ context.Context, p *telego.SendAudioParams) (*telego.Message, error) {
	return b.record("audio", p.Caption, 0)
}

func (b *fakeBot) SendVideo(_ context.Context, p *telego.SendVideoParams) (*telego.Message, error) {
	return b.record("video", p.Caption, 0)
}

func (b *fakeBot) SendLocation(_ context.Context, p *telego.SendLocationParams) (*telego.Message, error) {
	b.mu.Lock()
	b.latLn = [2]float64{p.Latitude, p.Longitude}
	b.mu.Unlock()
	return b.record("location", "", 0)
}

type fakeOperator struct {
	listParam  string
	aliasParam string
	invoked    []message.Action
}

func (o *fakeOperator) ListChats(_ context.Context, param string) string {
	o.listParam = param
	return "List of chats:\n"
}

func (o *fakeOperator) SetAlias(_ context.Context, param string) string {
	o.aliasParam = param
	return "alias set"
}

func (o *fakeOperator) Invoke(_ context.Context, action message.Action) string {
	o.invoked = append(o.invoked, action)
	return "Success."
}

func newRelay(t *testing.T, cfg config.TelegramConfig) (*Relay, *bus.MessageBus, *fakeOperator) {
	t.Helper()

	if cfg.Token == "" {
		cfg.Token = "123:abc"
	}
	if cfg.ChatID == 0 {
		cfg.ChatID = masterChat
	}
	mb := bus.NewMessageBus(8)
	t.Cleanup(mb.Close)

	op := &fakeOperator{}
	r, err := New(cfg, mb, op, nil)
	require.NoError(t, err)
	return r, mb, op
}

func groupMessage(text string) message.Message {
	msg := message.New(message.KindText)
	msg.Channel = "eh_wechat_slave"
	msg.Text = text
	msg.Source = message.ScopeGroup
	msg.Origin = message.NewIdentity("Family", "", "1111")
	member := message.NewIdentity("carol", "Auntie", "2222")
	msg.Member = &member
	return msg
}

func update(text string, from int64, replyTo int) telego.Update {
	msg := &telego.Message{
		MessageID: 900,
		Chat:      telego.Chat{ID: masterChat},
		From:      &telego.User{ID: from},
		Text:      text,
	}
	if replyTo != 0 {
		msg.ReplyToMessage = &telego.Message{MessageID: replyTo}
	}
	return telego.Update{Message: msg}
}

func TestNewValidatesConfig(t *testing.T) {
	mb := bus.NewMessageBus(1)
	defer mb.Close()

	_, err := New(config.TelegramConfig{ChatID: 1}, mb, &fakeOperator{}, nil)
	require.ErrorContains(t, err, "token")
	_, err = New(config.TelegramConfig{Token: "t"}, mb, &fakeOperator{}, nil)
	require.ErrorContains(t, err, "chat_id")
	_, err = New(config.TelegramConfig{Token: "t", ChatID: 1}, nil, &fakeOperator{}, nil)
	require.Error(t, err)
}

func TestForwardRendersHeaderAndReplyBecomesOutbound(t *testing.T) {
	r, mb, _ := newRelay(t, config.TelegramConfig{})
	bot := newFakeBot()
	ctx := context.Background()

	original := groupMessage("dinner at 7?")
	require.NoError(t, r.forward(ctx, bot, original))
	require.Equal(t, []sentItem{{method: "message", text: "Auntie @ Family:\ndinner at 7?"}}, bot.items())

	r.handleUpdate(ctx, bot, update("sounds good", 42, 1))

	reply, ok := mb.ConsumeOutbound(ctx)
	require.True(t, ok)
	require.Equal(t, message.KindText, reply.Kind())
	require.Equal(t, "sounds good", reply.Text)
	require.Equal(t, "1111", reply.Destination.UID)
	require.NotNil(t, reply.Target)
	require.Equal(t, message.TargetMessage, reply.Target.Kind)
	require.Equal(t, original.ID, reply.Target.Message.ID)

	require.Len(t, bot.items(), 1)
}

func TestReplyToUserChatHasNoTarget(t *testing.T) {
	r, mb, _ := newRelay(t, config.TelegramConfig{})
	bot := newFakeBot()
	ctx := context.Background()

	msg := message.New(message.KindText)
	msg.Text = "hi"
	msg.Source = message.ScopeUser
	msg.Origin = message.NewIdentity("Alice", "Ally", "3333")
	require.NoError(t, r.forward(ctx, bot, msg))
	require.Equal(t, "Ally:\nhi", bot.items()[0].text)

	r.handleUpdate(ctx, bot, update("hey", 42, 1))
	reply, ok := mb.ConsumeOutbound(ctx)
	require.True(t, ok)
	require.Nil(t, reply.Target)
	require.Equal(t, "3333", reply.Destination.UID)
}

func TestForwardMediaRemovesAttachment(t *testing.T) {
	r, _, _ := newRelay(t, config.TelegramConfig{})
	bot := newFakeBot()

	path := filepath.Join(t.TempDir(), "image_1_1.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o600))

	msg := message.New(message.KindImage)
	msg.Origin = message.NewIdentity("Alice", "", "3333")
	msg.Attachment = &message.Attachment{Path: path, MIME: "image/png"}
	require.NoError(t, r.forward(context.Background(), bot, msg))

	require.Equal(t, "photo", bot.items()[0].method)
	require.Equal(t, "Alice:", bot.items()[0].text)
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestForwardLocationSendsPin(t *testing.T) {
	r, _, _ := newRelay(t, config.TelegramConfig{})
	bot := newFakeBot()

	msg := message.New(message.KindLocation)
	msg.Text = "Shared location"
	msg.Origin = message.NewIdentity("Alice", "", "3333")
	msg.Attributes.Location = &message.Location{Latitude: 31.2304, Longitude: 121.4737}
	require.NoError(t, r.forward(context.Background(), bot, msg))

	items := bot.items()
	require.Len(t, items, 2)
	require.Equal(t, "location", items[1].method)
	require.Equal(t, [2]float64{31.2304, 121.4737}, bot.latLn)

	got, ok := r.replies.get(1)
	require.True(t, ok)
	require.Equal(t, msg.ID, got.ID)
}

func TestOperatorCommands(t *testing.T) {
	r, _, op := newRelay(t, config.TelegramConfig{})
	bot := newFakeBot()
	ctx := context.Background()

	r.handleUpdate(ctx, bot, update("/chats@wechat_bot -r", 42, 0))
	require.Equal(t, "-r", op.listParam)

	r.handleUpdate(ctx, bot, update("/alias 0 Al", 42, 0))
	require.Equal(t, "0 Al", op.aliasParam)

	r.handleUpdate(ctx, bot, update("hello?", 42, 0))

	items := bot.items()
	require.Len(t, items, 3)
	require.Equal(t, "List of chats:\n", items[0].text)
	require.Equal(t, 900, items[0].replyTo)
	require.Equal(t, "alias set", items[1].text)
	require.Equal(t, usageText, items[2].text)
}

func TestRunInvokesForwardedAction(t *testing.T) {
	r, _, op := newRelay(t, config.TelegramConfig{})
	bot := newFakeBot()
	ctx := context.Background()

	msg := message.New(message.KindCommand)
	msg.Text = "Friend request: Zed"
	msg.Origin = message.NewIdentity("Zed", "", "4444")
	action := message.Action{Name: "Send friend request", Callable: "add_friend", Kwargs: map[string]any{"userName": "@zed"}}
	msg.Attributes.Commands = []message.Action{action}
	require.NoError(t, r.forward(ctx, bot, msg))
	require.Equal(t, "Zed:\nFriend request: Zed\n/run 0: Send friend request", bot.items()[0].text)

	r.handleUpdate(ctx, bot, update("/run 3", 42, 1))
	r.handleUpdate(ctx, bot, update("/run 0", 42, 1))

	items := bot.items()
	require.Equal(t, "Command number must be between 0 and 0.", items[1].text)
	require.Equal(t, "Success.", items[2].text)
	require.Equal(t, []message.Action{action}, op.invoked)
}

func TestUpdatesOutsideMasterChatAreIgnored(t *testing.T) {
	r, _, op := newRelay(t, config.TelegramConfig{AllowFrom: []string{"42"}})
	bot := newFakeBot()
	ctx := context.Background()

	stranger := update("/chats", 7, 0)
	r.handleUpdate(ctx, bot, stranger)

	other := update("/chats", 42, 0)
	other.Message.Chat.ID = 1
	r.handleUpdate(ctx, bot, other)

	r.handleUpdate(ctx, bot, telego.Update{})

	require.Empty(t, bot.items())
	require.Empty(t, op.listParam)
}

func TestRunForwardsQueueUntilCancel(t *testing.T) {
	r, mb, _ := newRelay(t, config.TelegramConfig{})
	bot := newFakeBot()
	r.connect = func(string) (Bot, error) { return bot, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.True(t, mb.PublishInbound(ctx, groupMessage("ping")))
	require.Eventually(t, func() bool { return len(bot.items()) == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunFailsWhenUpdatesClose(t *testing.T) {
	r, _, _ := newRelay(t, config.TelegramConfig{})
	bot := newFakeBot()
	close(bot.updates)
	r.connect = func(string) (Bot, error) { return bot, nil }

	require.ErrorContains(t, r.Run(context.Background()), "updates channel closed")
}

func TestReplyMemoryEvictsOldest(t *testing.T) {
	m := newReplyMemory(2)
	m.put(1, message.New(message.KindText))
	m.put(2, message.New(message.KindText))
	m.put(3, message.New(message.KindText))

	_, ok := m.get(1)
	require.False(t, ok)
	_, ok = m.get(3)
	require.True(t, ok)
}

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	require.Len(t, allowed, 2)
	require.Contains(t, allowed, "123")
	require.Contains(t, allowed, "456")
	require.Nil(t, allowFromSet([]string{" "}))
}

func TestSplitCommand(t *testing.T) {
	name, param := splitCommand("/Alias@bot  3 Uncle ")
	require.Equal(t, "/alias", name)
	require.Equal(t, "3 Uncle", param)

	name, param = splitCommand("plain text")
	require.Empty(t, name)
	require.Equal(t, "plain text", param)
}
