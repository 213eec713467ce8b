package evolution

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/chatrelay/internal/channels"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

// webhookPayload is the Evolution API webhook envelope. Data is an object,
// or a list whose first element is the event.
type webhookPayload struct {
	Event  string          `json:"event"`
	Sender string          `json:"sender,omitempty"`
	Data   json.RawMessage `json:"data"`
}

type messageKey struct {
	RemoteJid   string `json:"remoteJid"`
	FromMe      bool   `json:"fromMe"`
	ID          string `json:"id"`
	Participant string `json:"participant,omitempty"`
}

type messageContent struct {
	Conversation        string `json:"conversation,omitempty"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage,omitempty"`
	AudioMessage json.RawMessage `json:"audioMessage,omitempty"`
}

func (m *messageContent) text() string {
	if m == nil {
		return ""
	}
	if m.Conversation != "" {
		return m.Conversation
	}
	if m.ExtendedTextMessage != nil {
		return m.ExtendedTextMessage.Text
	}
	return ""
}

type eventData struct {
	Key       messageKey                 `json:"key"`
	RemoteJid string                     `json:"remoteJid,omitempty"`
	Jid       string                     `json:"jid,omitempty"`
	Sender    string                     `json:"sender,omitempty"`
	PushName  string                     `json:"pushName,omitempty"`
	Message   *messageContent            `json:"message,omitempty"`
	Presences map[string]json.RawMessage `json:"presences,omitempty"`
}

// remote returns the conversation JID: key.remoteJid, then remoteJid, then jid.
func (d *eventData) remote() string {
	switch {
	case d.Key.RemoteJid != "":
		return d.Key.RemoteJid
	case d.RemoteJid != "":
		return d.RemoteJid
	default:
		return d.Jid
	}
}

// parseEventData accepts both an object and a non-empty list of objects.
func parseEventData(raw json.RawMessage) (*eventData, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return &eventData{}, nil
	}
	if raw[0] == '[' {
		var list []eventData
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return &eventData{}, nil
		}
		return &list[0], nil
	}
	var d eventData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// parsePresence reads a presence entry that is either a bare string or an
// object carrying lastKnownPresence.
func parsePresence(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		LastKnownPresence string `json:"lastKnownPresence"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.LastKnownPresence
	}
	return ""
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (c *Channel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !c.IsRunning() {
		http.Error(w, "channel not running", http.StatusServiceUnavailable)
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		slog.Warn("evolution: invalid webhook JSON", "error", err)
		writeStatus(w, http.StatusBadRequest, protocol.WebhookError)
		return
	}

	data, err := parseEventData(payload.Data)
	if err != nil {
		slog.Warn("evolution: invalid webhook data", "event", payload.Event, "error", err)
		writeStatus(w, http.StatusBadRequest, protocol.WebhookError)
		return
	}

	status := protocol.WebhookIgnored
	switch payload.Event {
	case protocol.EvolutionMessagesUpsert:
		if c.handleUpsert(data) {
			status = protocol.WebhookProcessed
		}
	case protocol.EvolutionPresenceUpdate:
		if c.handlePresence(data) {
			status = protocol.WebhookProcessed
		}
	default:
		slog.Debug("evolution: event ignored", "event", payload.Event)
	}
	writeStatus(w, http.StatusOK, status)
}

// handleUpsert turns a text message into an inbound fragment. Own messages,
// audio and filtered senders are dropped.
func (c *Channel) handleUpsert(d *eventData) bool {
	if d.Key.FromMe || c.IsSelf(d.Sender) {
		slog.Debug("evolution: own message ignored", "id", d.Key.ID)
		return false
	}

	remote := d.remote()
	if remote == "" {
		return false
	}

	senderID := remote
	peerKind := protocol.PeerDirect
	if sessions.IsGroupJID(remote) {
		peerKind = protocol.PeerGroup
		senderID = d.Key.Participant
		if senderID == "" || !c.CheckGroupPolicy(c.config.GroupPolicy, senderID) {
			slog.Debug("evolution: group message rejected by policy", "group", remote)
			return false
		}
	}

	if d.Message != nil && len(d.Message.AudioMessage) > 0 {
		// Transcription is not supported; audio is acknowledged and dropped.
		slog.Info("evolution: audio message ignored", "sender_id", senderID, "id", d.Key.ID)
		return false
	}

	text := d.Message.text()
	if strings.TrimSpace(text) == "" {
		return false
	}

	metadata := map[string]string{"remote_jid": remote}
	if d.PushName != "" {
		metadata["user_name"] = d.PushName
	}

	slog.Debug("evolution message received",
		"sender_id", senderID,
		"peer_kind", peerKind,
		"preview", channels.Truncate(text, 50),
	)
	return c.HandleMessage(senderID, text, d.Key.ID, peerKind, metadata)
}

// handlePresence publishes one update per entry in data.presences.
func (c *Channel) handlePresence(d *eventData) bool {
	handled := false
	for jid, raw := range d.Presences {
		status := parsePresence(raw)
		if status == "" {
			continue
		}
		if c.HandlePresence(jid, status) {
			handled = true
		}
	}
	return handled
}
