package channel

import (
	"context"

	"wechatslave/pkg/command"
	"wechatslave/pkg/message"
)

// Operator is the operator surface a host exposes to its users.
type Operator interface {
	ListChats(ctx context.Context, param string) string
	SetAlias(ctx context.Context, param string) string
	Invoke(ctx context.Context, action message.Action) string
}

// Slave bridges one chat network into the ingress queue. Run owns the event
// consumption loop; Send is safe to call from other goroutines.
type Slave interface {
	Operator
	ID() string
	Name() string
	Run(ctx context.Context) error
	Send(ctx context.Context, msg message.Message) error
	GetChats(ctx context.Context, includeGroups, includeUsers bool) ([]command.ChatSummary, error)
}

// Relay is a host-side consumer draining the ingress queue toward one
// destination (for example a Telegram chat).
type Relay interface {
	Name() string
	Run(ctx context.Context) error
}
