// Package command holds the deferred actions attached to inbound messages and
// the operator commands of the WeChat channel.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"wechatslave/pkg/message"
	"wechatslave/pkg/wechat"
)

// Operation is one invokable callable. Failure is what the user sees when Run
// errors or panics.
type Operation struct {
	Name    string
	Failure string
	Run     func(ctx context.Context, args []any, kwargs map[string]any) (string, error)
}

// Bridge resolves action callables to operations. Invoke never fails; every
// outcome is a string meant for an end user.
type Bridge struct {
	ops map[string]Operation
	log *slog.Logger
}

// NewBridge registers the built-in operations against the network client.
func NewBridge(friends wechat.FriendManager, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		ops: make(map[string]Operation),
		log: log.With("component", "command"),
	}
	b.Register(addFriendOperation(friends))
	return b
}

// Register adds or replaces an operation.
func (b *Bridge) Register(op Operation) {
	b.ops[op.Name] = op
}

// Callables lists the registered operation names.
func (b *Bridge) Callables() []string {
	names := make([]string, 0, len(b.ops))
	for name := range b.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the operation named by action.Callable.
func (b *Bridge) Invoke(ctx context.Context, action message.Action) (result string) {
	op, ok := b.ops[action.Callable]
	if !ok {
		b.log.Warn("Unknown command callable", "callable", action.Callable)
		return fmt.Sprintf("Command not found: %s.", action.Callable)
	}

	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Command panicked", "callable", op.Name, "panic", r)
			result = op.Failure
		}
	}()

	out, err := op.Run(ctx, action.Args, action.Kwargs)
	if err != nil {
		b.log.Error("Command failed", "callable", op.Name, "error", err)
		return op.Failure
	}
	b.log.Info("Command executed", "callable", op.Name, "result", out)
	return out
}

func addFriendOperation(friends wechat.FriendManager) Operation {
	return Operation{
		Name:    "add_friend",
		Failure: "Error occurred during the process. (AF01)",
		Run: func(ctx context.Context, _ []any, kwargs map[string]any) (string, error) {
			req := wechat.FriendRequest{
				UserName: stringArg(kwargs, "userName"),
				Status:   intArg(kwargs, "status", 2),
				Ticket:   stringArg(kwargs, "ticket"),
			}
			if info, ok := kwargs["userInfo"].(map[string]any); ok {
				req.UserInfo = info
			}
			if req.UserName == "" {
				return "Username is empty. (UE01)", nil
			}
			if err := friends.AddFriend(ctx, req); err != nil {
				return "", err
			}
			return "Success.", nil
		},
	}
}

func stringArg(kwargs map[string]any, key string) string {
	s, _ := kwargs[key].(string)
	return s
}

// intArg accepts the numeric shapes an action may carry after a JSON round trip.
func intArg(kwargs map[string]any, key string, fallback int) int {
	switch v := kwargs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}
