package channel

import (
	"context"

	"github.com/stellarlinkco/impressiond/internal/bus"
)

// Channel is one chat platform adapter. Start begins receiving and
// pushing inbound messages onto the bus; Send delivers a reply.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel carries the pieces every adapter shares: its name, the
// bus, and the group allow-list.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		if id != "" {
			allowed[id] = true
		}
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether a group passes the channel allow-list.
// An empty list allows everything.
func (c *BaseChannel) IsAllowed(groupID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[groupID]
}
