// Package wsgateway implements wechat.Client against a web-protocol sidecar
// reachable over a JSON websocket. Media payloads are fetched over HTTP.
package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wechatslave/pkg/wechat"
)

const (
	defaultRequestTimeout = 30 * time.Second
	eventQueueSize        = 1024
)

// ErrClosed is returned by calls made after the connection ended.
var ErrClosed = errors.New("wechat gateway connection closed")

// Options configure a sidecar connection.
type Options struct {
	URL            string
	MediaURL       string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Client is a websocket-backed wechat.Client.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame

	events    chan wechat.Event
	done      chan struct{}
	closeOnce sync.Once
	err       error

	media   *url.URL
	http    *http.Client
	timeout time.Duration
	log     *slog.Logger
}

var _ wechat.Client = (*Client)(nil)

// Dial connects to the sidecar and starts reading frames.
func Dial(ctx context.Context, opts Options, log *slog.Logger) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("wechat gateway url is required")
	}
	if log == nil {
		log = slog.Default()
	}

	var media *url.URL
	if strings.TrimSpace(opts.MediaURL) != "" {
		parsed, err := url.Parse(opts.MediaURL)
		if err != nil {
			return nil, fmt.Errorf("parse media url: %w", err)
		}
		media = parsed
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial wechat gateway: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Frame),
		events:  make(chan wechat.Event, eventQueueSize),
		done:    make(chan struct{}),
		media:   media,
		http:    httpClient,
		timeout: timeout,
		log:     log.With("component", "wechat.gateway"),
	}
	go c.readLoop()

	c.log.Info("Connected to WeChat gateway", "url", opts.URL)
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.shutdown(fmt.Errorf("read frame: %w", err))
			return
		}

		switch frame.Type {
		case frameResponse:
			c.resolve(frame)
		case frameEvent:
			if frame.Event == EventLogout {
				c.shutdown(wechat.ErrLoggedOut)
				return
			}
			c.enqueue(frame)
		default:
			c.log.Debug("Ignoring gateway frame", "type", frame.Type)
		}
	}
}

func (c *Client) resolve(frame Frame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()

	if !ok {
		c.log.Debug("Response without pending request", "id", frame.ID)
		return
	}
	ch <- frame
}

func (c *Client) enqueue(frame Frame) {
	if frame.Event != EventMessage {
		c.log.Debug("Ignoring gateway event", "event", frame.Event)
		return
	}

	var ev wechat.Event
	if err := json.Unmarshal(frame.Payload, &ev); err != nil {
		c.log.Error("Failed to decode WeChat event", "seq", frame.Seq, "error", err)
		return
	}
	if ev.MediaURL != "" {
		ev.Download = c.downloader(ev.MediaURL)
	}

	select {
	case c.events <- ev:
	default:
		c.log.Error("WeChat event queue full, event dropped", "msg_id", ev.MsgID, "kind", ev.Kind)
	}
}

// shutdown records the terminal error once and wakes every waiter.
func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) terminalErr() error {
	<-c.done
	return c.err
}

// Run forwards pushed events until ctx ends (nil) or the connection stops.
func (c *Client) Run(ctx context.Context, events chan<- wechat.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			select {
			case events <- ev:
			case <-ctx.Done():
				return nil
			}
		case <-c.done:
			for {
				select {
				case ev := <-c.events:
					select {
					case events <- ev:
					case <-ctx.Done():
						return nil
					}
				default:
					return c.err
				}
			}
		}
	}
}

// Close ends the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.err = ErrClosed
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	id := uuid.NewString()
	frame, err := requestFrame(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case <-c.done:
		return fmt.Errorf("%s: %w", method, c.terminalErr())
	default:
	}

	c.writeMu.Lock()
	err = c.conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s request: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var res Frame
	select {
	case res = <-ch:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%s: %w", method, c.terminalErr())
	case <-timer.C:
		return fmt.Errorf("%s: no response after %s", method, c.timeout)
	}

	if res.Error != nil {
		return fmt.Errorf("%s: %w", method, res.Error)
	}
	if res.OK != nil && !*res.OK {
		return fmt.Errorf("%s: request failed", method)
	}
	if out == nil || len(res.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func (c *Client) list(ctx context.Context, method string, refresh bool) ([]wechat.Contact, error) {
	var contacts []wechat.Contact
	if err := c.call(ctx, method, refreshParams{Update: refresh}, &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

func (c *Client) Friends(ctx context.Context, refresh bool) ([]wechat.Contact, error) {
	return c.list(ctx, MethodFriends, refresh)
}

func (c *Client) Chatrooms(ctx context.Context, refresh bool) ([]wechat.Contact, error) {
	return c.list(ctx, MethodChatrooms, refresh)
}

func (c *Client) MPs(ctx context.Context, refresh bool) ([]wechat.Contact, error) {
	return c.list(ctx, MethodMPs, refresh)
}

func (c *Client) UpdateChatroom(ctx context.Context, userName string) (wechat.Contact, error) {
	var group wechat.Contact
	err := c.call(ctx, MethodUpdateChatroom, chatroomParams{UserName: userName}, &group)
	return group, err
}

func (c *Client) SendText(ctx context.Context, text string, to string) (wechat.SendResult, error) {
	var result wechat.SendResult
	err := c.call(ctx, MethodSendText, textParams{Msg: text, ToUserName: to}, &result)
	return result, err
}

func (c *Client) SendImage(ctx context.Context, path string, to string) (wechat.SendResult, error) {
	return c.sendFile(ctx, MethodSendImage, path, to)
}

func (c *Client) SendFile(ctx context.Context, path string, to string) (wechat.SendResult, error) {
	return c.sendFile(ctx, MethodSendFile, path, to)
}

func (c *Client) sendFile(ctx context.Context, method, path, to string) (wechat.SendResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return wechat.SendResult{}, fmt.Errorf("read %s: %w", path, err)
	}

	var result wechat.SendResult
	err = c.call(ctx, method, fileParams{FileName: filepath.Base(path), Content: content, ToUserName: to}, &result)
	return result, err
}

func (c *Client) AddFriend(ctx context.Context, req wechat.FriendRequest) error {
	return c.call(ctx, MethodAddFriend, req, nil)
}

func (c *Client) SetAlias(ctx context.Context, userName string, alias string) error {
	return c.call(ctx, MethodSetAlias, aliasParams{UserName: userName, Alias: alias}, nil)
}

// downloader fetches a media reference, relative to the media base URL when set.
func (c *Client) downloader(ref string) wechat.Downloader {
	return func(ctx context.Context, path string) error {
		target, err := c.mediaURL(ref)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("build media request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("fetch media: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch media: unexpected status %s", resp.Status)
		}

		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create media file: %w", err)
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			_ = f.Close()
			return fmt.Errorf("write media file: %w", err)
		}
		return f.Close()
	}
}

func (c *Client) mediaURL(ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse media reference: %w", err)
	}
	if parsed.IsAbs() {
		return parsed.String(), nil
	}
	if c.media == nil {
		return "", fmt.Errorf("relative media reference %q without media url", ref)
	}
	return c.media.ResolveReference(parsed).String(), nil
}
