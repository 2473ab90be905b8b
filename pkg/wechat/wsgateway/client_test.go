package wsgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"wechatslave/pkg/wechat"
)

// sidecar is a scripted gateway peer.
type sidecar struct {
	t        *testing.T
	server   *httptest.Server
	onOpen   func(conn *websocket.Conn)
	mu       sync.Mutex
	requests []Frame
}

func newSidecar(t *testing.T, onOpen func(conn *websocket.Conn)) *sidecar {
	t.Helper()

	s := &sidecar{t: t, onOpen: onOpen}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/media/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("voice-bytes:" + strings.TrimPrefix(r.URL.Path, "/media/")))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if s.onOpen != nil {
			s.onOpen(conn)
		}
		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.mu.Lock()
			s.requests = append(s.requests, frame)
			s.mu.Unlock()
			if err := conn.WriteJSON(s.answer(frame)); err != nil {
				return
			}
		}
	})

	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *sidecar) answer(req Frame) Frame {
	ok := true
	res := Frame{Type: frameResponse, ID: req.ID, OK: &ok}

	switch req.Method {
	case MethodFriends:
		res.Payload = mustJSON(s.t, []wechat.Contact{{UserName: "@self", NickName: "Me"}, {UserName: "@alice", NickName: "Alice"}})
	case MethodUpdateChatroom:
		res.Payload = mustJSON(s.t, wechat.Contact{UserName: "@@family", MemberList: []wechat.Contact{{UserName: "@carol"}}})
	case MethodSendText, MethodSendImage, MethodSendFile:
		res.Payload = mustJSON(s.t, wechat.SendResult{MsgID: "m-" + req.ID[:4]})
	case MethodSetAlias:
		failed := false
		res.OK = &failed
		res.Error = &ErrorPayload{Code: "1205", Message: "frequency limit"}
	}
	return res
}

func (s *sidecar) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
}

func (s *sidecar) lastRequest() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func dial(t *testing.T, s *sidecar) *Client {
	t.Helper()

	c, err := Dial(context.Background(), Options{URL: s.url(), MediaURL: s.server.URL, RequestTimeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDialRequiresURL(t *testing.T) {
	_, err := Dial(context.Background(), Options{}, nil)
	require.Error(t, err)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	s := newSidecar(t, nil)
	c := dial(t, s)
	ctx := context.Background()

	friends, err := c.Friends(ctx, true)
	require.NoError(t, err)
	require.Len(t, friends, 2)
	require.Equal(t, "Alice", friends[1].NickName)

	req := s.lastRequest()
	require.Equal(t, MethodFriends, req.Method)
	require.JSONEq(t, `{"update":true}`, string(req.Params))

	group, err := c.UpdateChatroom(ctx, "@@family")
	require.NoError(t, err)
	require.Len(t, group.MemberList, 1)

	result, err := c.SendText(ctx, "hello", "@alice")
	require.NoError(t, err)
	require.True(t, result.OK())
	require.True(t, strings.HasPrefix(result.MsgID, "m-"))

	err = c.SetAlias(ctx, "@alice", "Al")
	require.ErrorContains(t, err, "frequency limit")
}

func TestSendImageCarriesFileContent(t *testing.T) {
	s := newSidecar(t, nil)
	c := dial(t, s)

	path := filepath.Join(t.TempDir(), "image_1_1.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg-bytes"), 0o600))

	_, err := c.SendImage(context.Background(), path, "@alice")
	require.NoError(t, err)

	var params fileParams
	require.NoError(t, json.Unmarshal(s.lastRequest().Params, &params))
	require.Equal(t, "image_1_1.jpg", params.FileName)
	require.Equal(t, []byte("jpeg-bytes"), params.Content)
	require.Equal(t, "@alice", params.ToUserName)

	_, err = c.SendFile(context.Background(), filepath.Join(t.TempDir(), "missing"), "@alice")
	require.Error(t, err)
}

func TestRunDeliversEventsThenLogout(t *testing.T) {
	s := newSidecar(t, func(conn *websocket.Conn) {
		ev := wechat.Event{Kind: wechat.EventRecording, MsgID: "77", FromUserName: "@alice", MediaURL: "/media/77"}
		_ = conn.WriteJSON(Frame{Type: frameEvent, Event: EventMessage, Seq: 1, Payload: mustJSON(t, ev)})
		_ = conn.WriteJSON(Frame{Type: frameEvent, Event: "typing", Seq: 2})
		_ = conn.WriteJSON(Frame{Type: frameEvent, Event: EventLogout, Seq: 3})
	})
	c := dial(t, s)

	events := make(chan wechat.Event, 4)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), events) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, wechat.ErrLoggedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after logout")
	}

	require.Len(t, events, 1)
	ev := <-events
	require.Equal(t, "77", ev.MsgID)
	require.NotNil(t, ev.Download)

	path := filepath.Join(t.TempDir(), "audio_77")
	require.NoError(t, ev.Download(context.Background(), path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "voice-bytes:77", string(data))

	_, err = c.Friends(context.Background(), false)
	require.ErrorIs(t, err, wechat.ErrLoggedOut)
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	s := newSidecar(t, nil)
	c := dial(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx, make(chan wechat.Event)))
}

func TestCallsFailAfterClose(t *testing.T) {
	s := newSidecar(t, nil)
	c := dial(t, s)

	require.NoError(t, c.Close())
	_, err := c.MPs(context.Background(), false)
	require.ErrorIs(t, err, ErrClosed)
}

func TestMediaURLResolution(t *testing.T) {
	c := &Client{}
	_, err := c.mediaURL("/media/1")
	require.Error(t, err)

	got, err := c.mediaURL("https://cdn.example.com/a.mp3")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/a.mp3", got)
}
