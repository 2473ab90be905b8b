// Package wechat describes the capability surface consumed from a WeChat
// web-protocol client: contact listing, raw send primitives, friend management
// and the blocking event run-loop.
package wechat

import (
	"context"
	"errors"
	"strconv"
)

// FileHelper is the native key of the built-in "self notes" pseudo-contact.
const FileHelper = "filehelper"

// ErrLoggedOut is returned by Run when the session was terminated remotely.
var ErrLoggedOut = errors.New("wechat session logged out")

// ChatScope is the conversation class an event was subscribed under.
type ChatScope string

const (
	ScopeFriend ChatScope = "friend"
	ScopeGroup  ChatScope = "group"
	ScopeMP     ChatScope = "mp"
)

// EventKind is the raw event category delivered by the client.
type EventKind string

const (
	EventText       EventKind = "Text"
	EventMap        EventKind = "Map"
	EventSharing    EventKind = "Sharing"
	EventPicture    EventKind = "Picture"
	EventRecording  EventKind = "Recording"
	EventAttachment EventKind = "Attachment"
	EventVideo      EventKind = "Video"
	EventCard       EventKind = "Card"
	EventFriends    EventKind = "Friends"
	EventNote       EventKind = "Note"
	EventUseless    EventKind = "Useless"
	EventSystem     EventKind = "System"
)

// MsgTypePicture is the network sub-type code of a real photo; other picture
// events are stickers.
const MsgTypePicture = 3

// Downloader persists an event payload to path.
type Downloader func(ctx context.Context, path string) error

// Event is one raw, loosely typed network event.
type Event struct {
	Kind           EventKind `json:"kind"`
	Scope          ChatScope `json:"scope"`
	MsgID          string    `json:"NewMsgId"`
	MsgType        int       `json:"MsgType"`
	FromUserName   string    `json:"FromUserName"`
	ToUserName     string    `json:"ToUserName"`
	ActualUserName string    `json:"ActualUserName,omitempty"`
	Text           string    `json:"Text,omitempty"`
	Content        string    `json:"Content,omitempty"`
	URL            string    `json:"Url,omitempty"`
	FileName       string    `json:"FileName,omitempty"`
	Ticket         string    `json:"Ticket,omitempty"`
	Card           *Card     `json:"Card,omitempty"`
	MediaURL       string    `json:"media_url,omitempty"`

	Download Downloader `json:"-"`
}

// IsGroup reports whether the event came from a group chat.
func (e Event) IsGroup() bool {
	return e.Scope == ScopeGroup
}

// Card is the profile carried by contact-card and friend-request events.
// Friend requests nest the requester profile in UserInfo.
type Card struct {
	UserName  string `json:"UserName"`
	NickName  string `json:"NickName"`
	Province  string `json:"Province"`
	City      string `json:"City"`
	QQNum     string `json:"QQNum"`
	Alias     string `json:"Alias"`
	Signature string `json:"Signature"`
	Sex       int    `json:"Sex"`
	UserInfo  *Card  `json:"userInfo,omitempty"`
}

// Merged overlays the non-empty fields of the nested UserInfo on top of c.
func (c Card) Merged() Card {
	out := c
	out.UserInfo = nil
	if c.UserInfo == nil {
		return out
	}
	in := c.UserInfo
	overlay := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	overlay(&out.UserName, in.UserName)
	overlay(&out.NickName, in.NickName)
	overlay(&out.Province, in.Province)
	overlay(&out.City, in.City)
	overlay(&out.QQNum, in.QQNum)
	overlay(&out.Alias, in.Alias)
	overlay(&out.Signature, in.Signature)
	if in.Sex != 0 {
		out.Sex = in.Sex
	}
	return out
}

// Contact is a friend, subscription account, group chat or group member.
type Contact struct {
	UserName    string    `json:"UserName"`
	NickName    string    `json:"NickName"`
	RemarkName  string    `json:"RemarkName,omitempty"`
	DisplayName string    `json:"DisplayName,omitempty"`
	Alias       string    `json:"Alias,omitempty"`
	Uin         int64     `json:"Uin,omitempty"`
	AttrStatus  int64     `json:"AttrStatus,omitempty"`
	MemberList  []Contact `json:"MemberList,omitempty"`
}

// UinString renders the numeric account id, empty when unset.
func (c Contact) UinString() string {
	if c.Uin == 0 {
		return ""
	}
	return strconv.FormatInt(c.Uin, 10)
}

// AttrStatusString renders the attribute status, empty when unset.
func (c Contact) AttrStatusString() string {
	if c.AttrStatus == 0 {
		return ""
	}
	return strconv.FormatInt(c.AttrStatus, 10)
}

// Clone returns a copy that shares no member slice with c.
func (c Contact) Clone() Contact {
	out := c
	if c.MemberList != nil {
		out.MemberList = append([]Contact(nil), c.MemberList...)
	}
	return out
}

// SendResult is the network acknowledgement of a send primitive.
type SendResult struct {
	MsgID  string `json:"MsgID,omitempty"`
	Ret    int    `json:"Ret"`
	ErrMsg string `json:"ErrMsg,omitempty"`
}

// OK reports whether the network accepted the message.
func (r SendResult) OK() bool {
	return r.Ret == 0
}

// FriendRequest parameterizes an add/accept friend call.
type FriendRequest struct {
	UserName string         `json:"userName"`
	Status   int            `json:"status"`
	Ticket   string         `json:"ticket"`
	UserInfo map[string]any `json:"userInfo,omitempty"`
}

// ContactSource lists contacts. Friends returns the logged-in account first.
type ContactSource interface {
	Friends(ctx context.Context, refresh bool) ([]Contact, error)
	Chatrooms(ctx context.Context, refresh bool) ([]Contact, error)
	MPs(ctx context.Context, refresh bool) ([]Contact, error)
	UpdateChatroom(ctx context.Context, userName string) (Contact, error)
}

// Sender holds the raw send primitives, addressed by native key.
type Sender interface {
	SendText(ctx context.Context, text string, toUserName string) (SendResult, error)
	SendImage(ctx context.Context, path string, toUserName string) (SendResult, error)
	SendFile(ctx context.Context, path string, toUserName string) (SendResult, error)
}

// FriendManager covers contact mutation calls.
type FriendManager interface {
	AddFriend(ctx context.Context, req FriendRequest) error
	SetAlias(ctx context.Context, userName string, alias string) error
}

// Client is the full network client. Run blocks, pushing events until the
// context ends (nil) or the session stops (ErrLoggedOut or a transport error).
type Client interface {
	ContactSource
	Sender
	FriendManager
	Run(ctx context.Context, events chan<- Event) error
	Close() error
}
