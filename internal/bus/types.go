package bus

import (
	"context"
	"time"
)

// InboundMessage is a text fragment received from a channel (Evolution webhook, WS bridge).
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`            // raw sender (JID / phone), normalized by the engine
	Content    string            `json:"content"`
	MessageID  string            `json:"message_id,omitempty"` // platform message id, used for dedupe
	PeerKind   string            `json:"peer_kind,omitempty"`  // "direct" or "group"
	ReceivedAt time.Time         `json:"received_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DedupeKey returns the key used to drop webhook retries, or "" when the
// platform gave no message id.
func (m InboundMessage) DedupeKey() string {
	if m.MessageID == "" {
		return ""
	}
	return m.Channel + "|" + m.SenderID + "|" + m.MessageID
}

// PresenceUpdate is a typing/recording/idle signal received from a channel.
type PresenceUpdate struct {
	Channel    string    `json:"channel"`
	SenderID   string    `json:"sender_id"`
	Status     string    `json:"status"` // wire value: composing, recording, available, paused...
	ObservedAt time.Time `json:"observed_at"`
}

// MessageRouter abstracts inbound routing between channels and the relay engine.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishPresence(upd PresenceUpdate)
	ConsumePresence(ctx context.Context) (PresenceUpdate, bool)
}
