package wsgateway

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope of every websocket message exchanged with the sidecar.
type Frame struct {
	Type    string          `json:"type"`              // "req" | "res" | "event"
	ID      string          `json:"id,omitempty"`      // request/response correlation ID
	Method  string          `json:"method,omitempty"`  // for req: method name
	Params  json.RawMessage `json:"params,omitempty"`  // for req: method parameters
	OK      *bool           `json:"ok,omitempty"`      // for res: success flag
	Payload json.RawMessage `json:"payload,omitempty"` // for res and event: data
	Error   *ErrorPayload   `json:"error,omitempty"`   // for res: error details
	Event   string          `json:"event,omitempty"`   // for event: event name
	Seq     int             `json:"seq,omitempty"`     // for event: sequence number
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	frameRequest  = "req"
	frameResponse = "res"
	frameEvent    = "event"
)

// Event names pushed by the sidecar.
const (
	EventMessage = "message"
	EventLogout  = "logout"
)

// Request methods understood by the sidecar.
const (
	MethodFriends        = "get_friends"
	MethodChatrooms      = "get_chatrooms"
	MethodMPs            = "get_mps"
	MethodUpdateChatroom = "update_chatroom"
	MethodSendText       = "send_msg"
	MethodSendImage      = "send_image"
	MethodSendFile       = "send_file"
	MethodAddFriend      = "add_friend"
	MethodSetAlias       = "set_alias"
)

type refreshParams struct {
	Update bool `json:"update"`
}

type chatroomParams struct {
	UserName string `json:"userName"`
}

type textParams struct {
	Msg        string `json:"msg"`
	ToUserName string `json:"toUserName"`
}

// fileParams carries the payload inline; the sidecar may run on another host.
type fileParams struct {
	FileName   string `json:"fileName"`
	Content    []byte `json:"content"`
	ToUserName string `json:"toUserName"`
}

type aliasParams struct {
	UserName string `json:"userName"`
	Alias    string `json:"alias"`
}

func requestFrame(id, method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s params: %w", method, err)
	}
	return Frame{Type: frameRequest, ID: id, Method: method, Params: raw}, nil
}
