package protocol

// ProtocolVersion is reported by /v1/status and stamped on bridge frames.
const ProtocolVersion = 1

// Evolution API webhook event names (payload "event" field).
const (
	EvolutionMessagesUpsert = "messages.upsert"
	EvolutionPresenceUpdate = "presence.update"
	EvolutionSendMessage    = "send.message"
	EvolutionConnection     = "connection.update"
)

// WhatsApp bridge frame types (payload "type" field).
const (
	FrameMessage  = "message"
	FramePresence = "presence"
	FrameAck      = "ack"
)

// Presence wire values as sent by WhatsApp gateways.
const (
	PresenceComposing   = "composing"
	PresenceRecording   = "recording"
	PresenceAvailable   = "available"
	PresenceUnavailable = "unavailable"
	PresencePaused      = "paused"
)

// Evolution sendText statuses that count as accepted.
const (
	SendStatusPending   = "PENDING"
	SendStatusSent      = "SENT"
	SendStatusDelivered = "DELIVERED"
	SendStatusRead      = "READ"
)

// SendAccepted reports whether an Evolution send status means the message
// was taken by the platform.
func SendAccepted(status string) bool {
	switch status {
	case SendStatusPending, SendStatusSent, SendStatusDelivered:
		return true
	}
	return false
}

// Peer kinds carried on inbound messages.
const (
	PeerDirect = "direct"
	PeerGroup  = "group"
)

// Webhook response statuses.
const (
	WebhookProcessed = "processed"
	WebhookIgnored   = "ignored"
	WebhookError     = "error"
)
