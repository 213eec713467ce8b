// Package bus decouples channels from the relay engine. Channels publish
// inbound fragments and presence updates; the gateway consumer feeds them
// into the engine.
package bus

import (
	"context"
	"log/slog"
	"sync/atomic"
)

const defaultBufferSize = 1024

// MessageBus is a buffered, channel-backed MessageRouter.
// Publishing never blocks: webhook handlers must return quickly, so a full
// queue drops the event with a warning.
type MessageBus struct {
	inbound  chan InboundMessage
	presence chan PresenceUpdate
	dropped  atomic.Int64
}

// New creates a MessageBus with the default buffer size.
func New() *MessageBus {
	return NewWithBuffer(defaultBufferSize)
}

// NewWithBuffer creates a MessageBus whose queues hold size events each.
func NewWithBuffer(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		presence: make(chan PresenceUpdate, size),
	}
}

// PublishInbound enqueues an inbound message.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		b.dropped.Add(1)
		slog.Warn("bus: inbound queue full, dropping message",
			"channel", msg.Channel, "sender", msg.SenderID, "message_id", msg.MessageID)
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishPresence enqueues a presence update.
func (b *MessageBus) PublishPresence(upd PresenceUpdate) {
	select {
	case b.presence <- upd:
	default:
		b.dropped.Add(1)
		slog.Debug("bus: presence queue full, dropping update", "channel", upd.Channel, "sender", upd.SenderID)
	}
}

// ConsumePresence blocks until an update is available or ctx is done.
func (b *MessageBus) ConsumePresence(ctx context.Context) (PresenceUpdate, bool) {
	select {
	case <-ctx.Done():
		return PresenceUpdate{}, false
	case upd := <-b.presence:
		return upd, true
	}
}

// Dropped returns how many events were discarded because a queue was full.
func (b *MessageBus) Dropped() int64 { return b.dropped.Load() }

var _ MessageRouter = (*MessageBus)(nil)
