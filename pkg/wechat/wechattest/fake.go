// Package wechattest provides an in-memory wechat.Client for tests.
package wechattest

import (
	"context"
	"errors"
	"os"
	"sync"

	"wechatslave/pkg/wechat"
)

// Sent records one send primitive call.
type Sent struct {
	Kind string
	Body string
	To   string
	// Existed reports whether the file named by Body existed at send time.
	Existed bool
}

// Client is a scripted fake of wechat.Client.
type Client struct {
	mu sync.Mutex

	Self       wechat.Contact
	FriendList []wechat.Contact
	MPList     []wechat.Contact
	Groups     []wechat.Contact
	// Members backs UpdateChatroom, keyed by group native key.
	Members map[string][]wechat.Contact
	// OnRefresh runs before a refreshing listing returns, letting tests add contacts.
	OnRefresh func(c *Client)

	SendErr      error
	AddFriendErr error
	PanicOnAdd   bool
	SetAliasErr  error

	// Script is pushed by Run, which then returns RunErr.
	Script []wechat.Event
	RunErr error

	FriendsCalls int
	RefreshCalls int
	UpdateCalls  int
	SentItems    []Sent
	Requests     []wechat.FriendRequest
	Aliases      map[string]string
}

func (c *Client) Friends(_ context.Context, refresh bool) ([]wechat.Contact, error) {
	c.mu.Lock()
	c.FriendsCalls++
	if refresh {
		c.RefreshCalls++
	}
	hook := c.OnRefresh
	c.mu.Unlock()

	if refresh && hook != nil {
		hook(c)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wechat.Contact{c.Self}, c.FriendList...), nil
}

func (c *Client) Chatrooms(context.Context, bool) ([]wechat.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wechat.Contact(nil), c.Groups...), nil
}

func (c *Client) MPs(context.Context, bool) ([]wechat.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wechat.Contact(nil), c.MPList...), nil
}

func (c *Client) UpdateChatroom(_ context.Context, userName string) (wechat.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UpdateCalls++
	for _, g := range c.Groups {
		if g.UserName == userName {
			g.MemberList = append([]wechat.Contact(nil), c.Members[userName]...)
			return g, nil
		}
	}
	return wechat.Contact{}, errors.New("chatroom not found")
}

func (c *Client) SendText(_ context.Context, text string, to string) (wechat.SendResult, error) {
	return c.record("text", text, to, false)
}

func (c *Client) SendImage(_ context.Context, path string, to string) (wechat.SendResult, error) {
	return c.record("image", path, to, true)
}

func (c *Client) SendFile(_ context.Context, path string, to string) (wechat.SendResult, error) {
	return c.record("file", path, to, true)
}

func (c *Client) record(kind, body, to string, isFile bool) (wechat.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existed := false
	if isFile {
		_, err := os.Stat(body)
		existed = err == nil
	}
	c.SentItems = append(c.SentItems, Sent{Kind: kind, Body: body, To: to, Existed: existed})
	if c.SendErr != nil {
		return wechat.SendResult{Ret: 1, ErrMsg: c.SendErr.Error()}, c.SendErr
	}
	return wechat.SendResult{MsgID: "sent-1"}, nil
}

func (c *Client) AddFriend(_ context.Context, req wechat.FriendRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PanicOnAdd {
		panic("add friend exploded")
	}
	c.Requests = append(c.Requests, req)
	return c.AddFriendErr
}

func (c *Client) SetAlias(_ context.Context, userName string, alias string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SetAliasErr != nil {
		return c.SetAliasErr
	}
	if c.Aliases == nil {
		c.Aliases = make(map[string]string)
	}
	c.Aliases[userName] = alias
	return nil
}

func (c *Client) Run(ctx context.Context, events chan<- wechat.Event) error {
	for _, ev := range c.Script {
		select {
		case <-ctx.Done():
			return nil
		case events <- ev:
		}
	}
	if c.RunErr != nil {
		return c.RunErr
	}
	<-ctx.Done()
	return nil
}

func (c *Client) Close() error {
	return nil
}

// Sends returns a copy of the recorded send calls.
func (c *Client) Sends() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.SentItems...)
}

var _ wechat.Client = (*Client)(nil)
