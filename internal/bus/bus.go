package bus

import (
	"context"
	"log"
	"sync"
	"time"
)

// InboundMessage is one group-chat message as a channel adapter hands
// it over. Content carries the rendered addressing markers (`@<id>`,
// `[reply_to:<id>]`) so downstream attribution needs no channel
// specifics.
type InboundMessage struct {
	Channel    string
	GroupID    string
	SenderID   string
	SenderName string
	Content    string
	Timestamp  time.Time
}

// OutboundMessage is a reply routed back to the channel it came from.
type OutboundMessage struct {
	Channel string
	GroupID string
	Content string
}

// MessageBus connects channel adapters to the gateway. Channels push
// into Inbound; replies written to Outbound are dispatched to the
// subscriber registered for the target channel.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:  make(chan InboundMessage, bufSize),
		Outbound: make(chan OutboundMessage, bufSize),
		subs:     make(map[string]func(OutboundMessage)),
	}
}

func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	b.subs[channel] = fn
	b.mu.Unlock()
}

// DispatchOutbound pumps outbound messages to their channel
// subscribers until the context ends.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn := b.subs[msg.Channel]
			b.mu.RUnlock()
			if fn == nil {
				log.Printf("[bus] no subscriber for channel %s, dropping message", msg.Channel)
				continue
			}
			fn(msg)
		case <-ctx.Done():
			return
		}
	}
}
