// Package telegram relays the ingress queue into one Telegram master chat and
// turns replies in that chat into outbound messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"wechatslave/pkg/bus"
	"wechatslave/pkg/channel"
	"wechatslave/pkg/config"
	"wechatslave/pkg/message"
	"wechatslave/pkg/storage"
)

const (
	relayName       = "telegram"
	replyMemorySize = 1024
)

const usageText = "Reply to a forwarded message to answer it.\n" +
	"/chats [-r] lists chats, /alias <id> [alias] sets an alias, " +
	"/run <n> in reply to a command message runs that action."

// Bot is the subset of the Telegram Bot API used by the relay.
type Bot interface {
	UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, options ...telego.LongPollingOption) (<-chan telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
	SendDocument(ctx context.Context, params *telego.SendDocumentParams) (*telego.Message, error)
	SendAudio(ctx context.Context, params *telego.SendAudioParams) (*telego.Message, error)
	SendVideo(ctx context.Context, params *telego.SendVideoParams) (*telego.Message, error)
	SendLocation(ctx context.Context, params *telego.SendLocationParams) (*telego.Message, error)
}

// Relay forwards normalized messages to a Telegram chat.
type Relay struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	bus       *bus.MessageBus
	operator  channel.Operator
	replies   *replyMemory
	connect   func(token string) (Bot, error)
	log       *slog.Logger
}

var _ channel.Relay = (*Relay)(nil)

// New validates Telegram configuration and constructs a relay.
func New(cfg config.TelegramConfig, mb *bus.MessageBus, operator channel.Operator, log *slog.Logger) (*Relay, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("host.telegram.token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("host.telegram.chat_id is required")
	}
	if mb == nil || operator == nil {
		return nil, errors.New("message bus and operator are required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Relay{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		bus:       mb,
		operator:  operator,
		replies:   newReplyMemory(replyMemorySize),
		connect: func(token string) (Bot, error) {
			return telego.NewBot(token)
		},
		log: log.With("component", "relay.telegram"),
	}, nil
}

func (r *Relay) Name() string {
	return relayName
}

// Run forwards the ingress queue and serves the master chat until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	bot, err := r.connect(strings.TrimSpace(r.cfg.Token))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	r.log.Info("Telegram relay started", "chat_id", r.cfg.ChatID)

	forwardCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.forwardLoop(forwardCtx, bot)
	}()
	defer wg.Wait()
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}
			r.handleUpdate(ctx, bot, update)
		}
	}
}

func (r *Relay) forwardLoop(ctx context.Context, bot Bot) {
	for {
		msg, ok := r.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if err := r.forward(ctx, bot, msg); err != nil {
			r.log.Error("Failed to relay message to Telegram", "message_id", msg.ID, "kind", msg.Kind(), "error", err)
		}
	}
}

// forward sends one message to the master chat. Attachments are owned by the
// relay from here on and removed once the upload finished.
func (r *Relay) forward(ctx context.Context, bot Bot, msg message.Message) error {
	if msg.HasAttachment() {
		defer func() {
			if err := storage.Remove(msg.Attachment.Path); err != nil {
				r.log.Warn("Failed to remove attachment", "path", msg.Attachment.Path, "error", err)
			}
		}()
	}

	chat := tu.ID(r.cfg.ChatID)
	caption := render(msg)

	var (
		sent *telego.Message
		err  error
	)
	switch msg.Kind() {
	case message.KindImage, message.KindSticker, message.KindFile, message.KindAudio, message.KindVideo:
		sent, err = r.sendMedia(ctx, bot, chat, msg, caption)
	case message.KindLocation:
		sent, err = bot.SendMessage(ctx, tu.Message(chat, caption))
		if err == nil && msg.Attributes.Location != nil {
			loc := msg.Attributes.Location
			_, err = bot.SendLocation(ctx, tu.Location(chat, loc.Latitude, loc.Longitude))
		}
	default:
		sent, err = bot.SendMessage(ctx, tu.Message(chat, caption))
	}
	if err != nil {
		return err
	}

	if sent != nil {
		r.replies.put(sent.MessageID, msg)
	}
	r.log.Debug("Relayed message", "message_id", msg.ID, "kind", msg.Kind(), "uid", msg.Origin.UID)
	return nil
}

func (r *Relay) sendMedia(ctx context.Context, bot Bot, chat telego.ChatID, msg message.Message, caption string) (*telego.Message, error) {
	if !msg.HasAttachment() {
		return bot.SendMessage(ctx, tu.Message(chat, caption))
	}

	f, err := os.Open(msg.Attachment.Path)
	if err != nil {
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()
	file := tu.File(f)

	switch msg.Kind() {
	case message.KindImage, message.KindSticker:
		params := tu.Photo(chat, file)
		params.Caption = caption
		return bot.SendPhoto(ctx, params)
	case message.KindAudio:
		params := tu.Audio(chat, file)
		params.Caption = caption
		return bot.SendAudio(ctx, params)
	case message.KindVideo:
		params := tu.Video(chat, file)
		params.Caption = caption
		return bot.SendVideo(ctx, params)
	default:
		params := tu.Document(chat, file)
		params.Caption = caption
		return bot.SendDocument(ctx, params)
	}
}

func (r *Relay) handleUpdate(ctx context.Context, bot Bot, update telego.Update) {
	msg := update.Message
	if msg == nil || msg.Chat.ID != r.cfg.ChatID {
		return
	}
	if msg.From == nil {
		r.log.Debug("Ignoring message without sender")
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !r.senderAllowed(senderID) {
		r.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	answer := r.respond(ctx, msg, text)
	if answer == "" {
		return
	}
	params := tu.Message(tu.ID(msg.Chat.ID), answer)
	params.ReplyParameters = &telego.ReplyParameters{MessageID: msg.MessageID}
	if _, err := bot.SendMessage(ctx, params); err != nil {
		r.log.Error("Failed to send telegram message", "error", err)
	}
}

// respond handles one master chat message and returns the text to answer with.
func (r *Relay) respond(ctx context.Context, msg *telego.Message, text string) string {
	name, param := splitCommand(text)
	switch name {
	case "/chats":
		return r.operator.ListChats(ctx, param)
	case "/alias":
		return r.operator.SetAlias(ctx, param)
	case "/run":
		return r.run(ctx, msg, param)
	case "/help", "/start":
		return usageText
	}

	if msg.ReplyToMessage == nil {
		return usageText
	}
	original, ok := r.replies.get(msg.ReplyToMessage.MessageID)
	if !ok {
		return "This message can no longer be replied to."
	}

	reply := replyTo(original, text)
	if !r.bus.PublishOutbound(ctx, reply) {
		return "Bridge is shutting down, message not sent."
	}
	r.log.Info("Queued reply", "message_id", reply.ID, "uid", reply.Destination.UID, "text", message.Preview(text))
	return ""
}

func (r *Relay) run(ctx context.Context, msg *telego.Message, param string) string {
	if msg.ReplyToMessage == nil {
		return "Reply to a command message with /run <n>."
	}
	original, ok := r.replies.get(msg.ReplyToMessage.MessageID)
	if !ok || len(original.Attributes.Commands) == 0 {
		return "That message has no commands."
	}
	index, err := strconv.Atoi(strings.TrimSpace(param))
	if err != nil || index < 0 || index >= len(original.Attributes.Commands) {
		return fmt.Sprintf("Command number must be between 0 and %d.", len(original.Attributes.Commands)-1)
	}
	return r.operator.Invoke(ctx, original.Attributes.Commands[index])
}

// replyTo builds the outbound text answering original. Group replies quote it.
func replyTo(original message.Message, text string) message.Message {
	reply := message.New(message.KindText)
	reply.Channel = original.Channel
	reply.Text = text
	reply.Source = original.Source
	reply.Destination = original.Origin
	if original.Source == message.ScopeGroup {
		quoted := original
		reply.Target = &message.Target{Kind: message.TargetMessage, Message: &quoted}
	}
	return reply
}

// render formats a message as master chat text.
func render(msg message.Message) string {
	var b strings.Builder
	b.WriteString(header(msg))
	if body := strings.TrimSpace(msg.Text); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
	}
	for i, action := range msg.Attributes.Commands {
		fmt.Fprintf(&b, "\n/run %d: %s", i, action.Name)
	}
	return b.String()
}

func header(msg message.Message) string {
	from := msg.Origin.Alias
	if from == "" {
		from = msg.Origin.Name
	}
	switch {
	case msg.Source == message.ScopeSystem:
		return "[" + from + "]"
	case msg.Member != nil:
		return msg.Member.Alias + " @ " + from + ":"
	default:
		return from + ":"
	}
}

func splitCommand(text string) (string, string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	name, param, _ := strings.Cut(text, " ")
	// Telegram appends the bot name in groups: /chats@my_bot
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), strings.TrimSpace(param)
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (r *Relay) senderAllowed(senderID string) bool {
	if len(r.allowFrom) == 0 {
		return true
	}

	_, ok := r.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// replyMemory maps relayed Telegram message IDs back to the messages they carried.
// The oldest entry is evicted once the capacity is reached.
type replyMemory struct {
	mu    sync.Mutex
	size  int
	order []int
	byID  map[int]message.Message
}

func newReplyMemory(size int) *replyMemory {
	return &replyMemory{size: size, byID: make(map[int]message.Message, size)}
}

func (m *replyMemory) put(id int, msg message.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[id]; !ok {
		m.order = append(m.order, id)
	}
	m.byID[id] = msg
	for len(m.order) > m.size {
		delete(m.byID, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *replyMemory) get(id int) (message.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.byID[id]
	return msg, ok
}
