package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed taxonomy of normalized messages.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindSticker  Kind = "sticker"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindFile     Kind = "file"
	KindLocation Kind = "location"
	KindLink     Kind = "link"
	KindCommand  Kind = "command"
	KindSystem   Kind = "system"
)

// Scope tells whether a conversation is 1:1, a group, or a synthetic system notice.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeGroup  Scope = "group"
	ScopeSystem Scope = "system"
)

// Identity is a display name, alias and UID triple for a chat or a group member.
type Identity struct {
	Name  string `json:"name"`
	Alias string `json:"alias"`
	UID   string `json:"uid"`
}

// NewIdentity builds an identity whose alias falls back to the display name.
func NewIdentity(name, alias, uid string) Identity {
	if alias == "" {
		alias = name
	}
	return Identity{Name: name, Alias: alias, UID: uid}
}

// Attachment references a materialized file. The message owns the file until it
// is handed to a sender, which then becomes responsible for removing it.
type Attachment struct {
	Path string `json:"path"`
	MIME string `json:"mime"`
}

// Location is the attribute set of a KindLocation message.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Link is the attribute set of a KindLink message. Image is never fetched eagerly.
type Link struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Image       string `json:"image,omitempty"`
}

// Action is a deferred operation the host may invoke later through the command bridge.
type Action struct {
	Name     string         `json:"name"`
	Callable string         `json:"callable"`
	Args     []any          `json:"args"`
	Kwargs   map[string]any `json:"kwargs"`
}

// Attributes holds the kind-specific fields. At most one group is set.
type Attributes struct {
	Location *Location `json:"location,omitempty"`
	Link     *Link     `json:"link,omitempty"`
	Commands []Action  `json:"commands,omitempty"`
}

// TargetKind selects what a reply target points at.
type TargetKind string

const (
	TargetMember  TargetKind = "member"
	TargetMessage TargetKind = "message"
)

// Target is the reply target of an outbound message.
type Target struct {
	Kind    TargetKind `json:"kind"`
	Member  *Identity  `json:"member,omitempty"`
	Message *Message   `json:"message,omitempty"`
}

// Message is the channel-agnostic unit of communication.
//
// The kind is fixed at construction; use New to build one.
type Message struct {
	kind Kind

	ID          string      `json:"id"`
	Channel     string      `json:"channel"`
	NativeID    string      `json:"native_id,omitempty"`
	Text        string      `json:"text,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	Attributes  Attributes  `json:"attributes"`
	Source      Scope       `json:"source"`
	Origin      Identity    `json:"origin"`
	Member      *Identity   `json:"member,omitempty"`
	Destination Identity    `json:"destination"`
	Target      *Target     `json:"target,omitempty"`
	ReceivedAt  time.Time   `json:"received_at"`
}

// New returns a message of the given kind with a fresh ID.
func New(kind Kind) Message {
	return Message{
		kind:       kind,
		ID:         uuid.NewString(),
		ReceivedAt: time.Now().UTC(),
	}
}

// Kind returns the immutable message kind.
func (m Message) Kind() Kind {
	return m.kind
}

// HasAttachment reports whether a materialized payload is attached.
func (m Message) HasAttachment() bool {
	return m.Attachment != nil && m.Attachment.Path != ""
}

func (m Message) MarshalJSON() ([]byte, error) {
	type fields Message
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		fields
	}{Kind: m.kind, fields: fields(m)})
}

// UnmarshalJSON restores the kind written by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	type fields Message
	var wire struct {
		Kind Kind `json:"kind"`
		fields
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*m = Message(wire.fields)
	m.kind = wire.Kind
	return nil
}
