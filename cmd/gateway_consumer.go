package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/presence"
)

// inboundSink is the part of the relay engine the consumers feed.
type inboundSink interface {
	OnInboundFragment(rawIdentity, text string) bool
	OnPresenceEvent(rawIdentity string, status presence.Status)
}

// consumeInboundMessages drains inbound fragments from the bus into the
// engine until ctx is done. Webhook retries and double deliveries are
// dropped by message id.
func consumeInboundMessages(ctx context.Context, msgBus bus.MessageRouter, sink inboundSink, dedupe *bus.DedupeCache) {
	slog.Info("inbound message consumer started")
	defer slog.Info("inbound message consumer stopped")

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		if dedupe.IsDuplicate(msg.DedupeKey()) {
			slog.Debug("inbound: duplicate message dropped",
				"channel", msg.Channel, "sender", msg.SenderID, "message_id", msg.MessageID)
			continue
		}

		if !sink.OnInboundFragment(msg.SenderID, msg.Content) {
			slog.Debug("inbound: fragment not accepted",
				"channel", msg.Channel, "sender", msg.SenderID, "message_id", msg.MessageID)
		}
	}
}

// consumePresenceUpdates feeds typing/recording signals into the engine.
func consumePresenceUpdates(ctx context.Context, msgBus bus.MessageRouter, sink inboundSink) {
	for {
		upd, ok := msgBus.ConsumePresence(ctx)
		if !ok {
			return
		}
		sink.OnPresenceEvent(upd.SenderID, presence.ParseStatus(upd.Status))
	}
}
