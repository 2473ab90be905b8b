package command

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"wechatslave/pkg/identity"
	"wechatslave/pkg/message"
	"wechatslave/pkg/wechat"
)

// SetAliasUsage is returned when "set alias" is called without parameters.
const SetAliasUsage = `Set alias for a contact in WeChat. You may not set alias to a group or a MPS contact.
Usage:
    set_alias [-r] id [alias]
    id: Chat ID (You may obtain it from "Show chat list" function.
    alias: Alias to be set. Omit to remove.
    -r: Force refresh`

// ListChatsUsage describes the "list chats" command.
const ListChatsUsage = `Get a list of chat from WeChat.
Usage:
    get_chat_list [-r]
    -r: Force refresh`

// Snapshotter provides the contact snapshot.
type Snapshotter interface {
	Snapshot(ctx context.Context, refresh bool) (*identity.Snapshot, error)
}

// ChatSummary describes one known conversation.
type ChatSummary struct {
	ChannelName string        `json:"channel_name"`
	ChannelID   string        `json:"channel_id"`
	Name        string        `json:"name"`
	Alias       string        `json:"alias"`
	UID         string        `json:"uid"`
	Scope       message.Scope `json:"type"`
}

// Operator implements the chat listing and alias commands.
type Operator struct {
	channelID   string
	channelName string
	contacts    Snapshotter
	friends     wechat.FriendManager
	log         *slog.Logger
}

// NewOperator returns the operator commands for one channel.
func NewOperator(channelID, channelName string, contacts Snapshotter, friends wechat.FriendManager, log *slog.Logger) *Operator {
	if log == nil {
		log = slog.Default()
	}
	return &Operator{
		channelID:   channelID,
		channelName: channelName,
		contacts:    contacts,
		friends:     friends,
		log:         log.With("component", "command"),
	}
}

type listed struct {
	contact wechat.Contact
	kind    string
}

func (o *Operator) listing(ctx context.Context, refresh bool) ([]listed, int, error) {
	snap, err := o.contacts.Snapshot(ctx, refresh)
	if err != nil {
		return nil, 0, err
	}

	out := make([]listed, 0, len(snap.Friends)+len(snap.Groups)+len(snap.MPs))
	for _, c := range snap.Friends {
		out = append(out, listed{contact: c, kind: "User"})
	}
	for _, c := range snap.Groups {
		out = append(out, listed{contact: c, kind: "Group"})
	}
	for _, c := range snap.MPs {
		out = append(out, listed{contact: c, kind: "MPS"})
	}
	return out, len(snap.Friends), nil
}

// ListChats renders the numbered chat listing. The only accepted parameter is "-r".
func (o *Operator) ListChats(ctx context.Context, param string) string {
	refresh := false
	if param = strings.TrimSpace(param); param != "" {
		if param != "-r" {
			return fmt.Sprintf("Invalid command: %s.", param)
		}
		refresh = true
	}

	chats, _, err := o.listing(ctx, refresh)
	if err != nil {
		o.log.Error("Failed to list chats", "error", err)
		return fmt.Sprintf("Failed to list chats: %v.", err)
	}

	var b strings.Builder
	b.WriteString("List of chats:\n")
	for i, l := range chats {
		fmt.Fprintf(&b, "\n%d: [%s] %s", i, displayName(l.contact), l.kind)
	}
	return b.String()
}

func displayName(c wechat.Contact) string {
	alias := c.RemarkName
	if alias == "" {
		alias = c.DisplayName
	}
	if alias == "" {
		return c.NickName
	}
	return fmt.Sprintf("%s (%s)", alias, c.NickName)
}

// SetAlias handles "[-r] id [alias]". Only individual contacts can carry an
// alias; an omitted alias clears it.
func (o *Operator) SetAlias(ctx context.Context, param string) string {
	if strings.TrimSpace(param) == "" {
		return SetAliasUsage
	}

	refresh := false
	if strings.HasPrefix(param, "-r ") {
		refresh = true
		param = param[2:]
	}

	fields := strings.Fields(param)
	if len(fields) == 0 {
		return SetAliasUsage
	}
	id := fields[0]
	alias := ""
	if len(fields) > 1 {
		_, rest, _ := strings.Cut(strings.TrimSpace(param), id)
		alias = strings.TrimSpace(rest)
	}

	if !isDecimal(id) {
		return fmt.Sprintf(`ID must be integer, "%s" given.`, id)
	}
	chats, users, err := o.listing(ctx, refresh)
	if err != nil {
		o.log.Error("Failed to list chats", "error", err)
		return fmt.Sprintf("Failed to list chats: %v.", err)
	}

	idx, err := strconv.Atoi(id)
	if err != nil || idx >= len(chats) {
		return fmt.Sprintf("ID must between 0 and %d inclusive, %s given.", len(chats)-1, id)
	}
	if idx >= users {
		return "You may not set alias to a group or a MPS contact."
	}

	target := chats[idx].contact
	if err := o.friends.SetAlias(ctx, target.UserName, alias); err != nil {
		o.log.Error("Failed to set alias", "user_name", target.UserName, "error", err)
		return fmt.Sprintf(`Failed to set alias for chat "%s".`, target.NickName)
	}
	if alias == "" {
		return fmt.Sprintf(`Chat "%s" has removed its alias.`, target.NickName)
	}
	return fmt.Sprintf(`Chat "%s" is set with alias "%s".`, target.NickName, alias)
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// GetChats lists every known conversation from a refreshed snapshot. The
// logged-in account is reported as the File Helper pseudo-contact, first.
func (o *Operator) GetChats(ctx context.Context, includeGroups, includeUsers bool) ([]ChatSummary, error) {
	snap, err := o.contacts.Snapshot(ctx, true)
	if err != nil {
		return nil, err
	}

	var out []ChatSummary
	if includeUsers {
		out = append(out, o.summary("File Helper", "", wechat.FileHelper, message.ScopeUser))
		for _, c := range snap.Friends {
			out = append(out, o.summary(c.NickName, c.RemarkName, identity.UIDOf(c.NickName), message.ScopeUser))
		}
		for _, c := range snap.MPs {
			out = append(out, o.summary(c.NickName, c.RemarkName, identity.UIDOf(c.NickName), message.ScopeUser))
		}
	}
	if includeGroups {
		for _, g := range snap.Groups {
			out = append(out, o.summary(g.NickName, g.RemarkName, identity.UIDOf(g.NickName), message.ScopeGroup))
		}
	}
	return out, nil
}

func (o *Operator) summary(name, alias, uid string, scope message.Scope) ChatSummary {
	if alias == "" {
		alias = name
	}
	return ChatSummary{
		ChannelName: o.channelName,
		ChannelID:   o.channelID,
		Name:        name,
		Alias:       alias,
		UID:         uid,
		Scope:       scope,
	}
}
