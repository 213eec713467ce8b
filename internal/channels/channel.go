// Package channels provides the transport abstraction between chat platforms
// and the relay. A channel feeds inbound fragments and presence signals onto
// the message bus and delivers outbound chunks for the delivery pipeline.
//
// Implementations:
//   - evolution: Evolution API webhook (inbound) + REST sendText (outbound)
//   - whatsapp:  WebSocket bridge (both directions)
package channels

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
)

var (
	// ErrPermanent marks a send failure that retrying cannot fix
	// (invalid number, rejected credentials). Wrap it with %w.
	ErrPermanent = errors.New("permanent delivery failure")

	// ErrNotConnected is returned by Send while the transport is down.
	ErrNotConnected = errors.New("transport not connected")
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"      // Accept all groups
	GroupPolicyAllowlist GroupPolicy = "allowlist" // Only whitelisted groups
	GroupPolicyDisabled  GroupPolicy = "disabled"  // No group messages (default)
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "evolution", "whatsapp").
	Name() string

	// Start begins listening for events. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers one outbound chunk. delayHintMs is the typing-simulation
	// delay the platform may display before the message. ok=false with a nil
	// error means the platform answered but did not accept the message.
	Send(ctx context.Context, chunk, identity string, delayHintMs int) (ok bool, err error)

	// IsRunning returns whether the channel is actively processing events.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(senderID string) bool
}

// WebhookChannel is a Channel that receives events over HTTP. The gateway
// mounts its handler on the returned path.
type WebhookChannel interface {
	Channel
	WebhookHandler() (path string, handler http.Handler)
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name         string
	bus          bus.MessageRouter
	running      atomic.Bool
	allowList    []string
	selfIdentity string
	normalizer   sessions.Normalizer
}

// NewBaseChannel creates a new BaseChannel. selfIdentity is the relay's own
// number; events from it are ignored.
func NewBaseChannel(name string, msgBus bus.MessageRouter, allowList []string, selfIdentity string, normalizer sessions.Normalizer) *BaseChannel {
	c := &BaseChannel{
		name:       name,
		bus:        msgBus,
		normalizer: normalizer,
	}
	for _, a := range allowList {
		if id := normalizer.Normalize(a); id != "" {
			c.allowList = append(c.allowList, id)
		}
	}
	c.selfIdentity = normalizer.Normalize(selfIdentity)
	return c
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// Bus returns the message router.
func (c *BaseChannel) Bus() bus.MessageRouter { return c.bus }

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks if a sender is permitted by the allowlist. Both sides are
// compared in normalized form. Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	id := c.normalizer.Normalize(senderID)
	for _, allowed := range c.allowList {
		if id == allowed {
			return true
		}
	}
	return false
}

// IsSelf reports whether senderID is the relay's own number.
func (c *BaseChannel) IsSelf(senderID string) bool {
	return c.selfIdentity != "" && c.normalizer.Normalize(senderID) == c.selfIdentity
}

// CheckGroupPolicy evaluates the group policy for a group message.
func (c *BaseChannel) CheckGroupPolicy(policy, senderID string) bool {
	switch GroupPolicy(policy) {
	case GroupPolicyOpen:
		return true
	case GroupPolicyAllowlist:
		return c.IsAllowed(senderID)
	default: // "disabled" or empty
		return false
	}
}

// HandleMessage publishes an inbound fragment to the bus after the self and
// allowlist checks. Returns false when the message was filtered out.
func (c *BaseChannel) HandleMessage(senderID, content, messageID, peerKind string, metadata map[string]string) bool {
	if c.IsSelf(senderID) || !c.IsAllowed(senderID) {
		return false
	}
	if strings.TrimSpace(content) == "" {
		return false
	}

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:    c.name,
		SenderID:   senderID,
		Content:    content,
		MessageID:  messageID,
		PeerKind:   peerKind,
		ReceivedAt: time.Now(),
		Metadata:   metadata,
	})
	return true
}

// HandlePresence publishes a presence update to the bus.
func (c *BaseChannel) HandlePresence(senderID, status string) bool {
	if c.IsSelf(senderID) || !c.IsAllowed(senderID) {
		return false
	}
	c.bus.PublishPresence(bus.PresenceUpdate{
		Channel:    c.name,
		SenderID:   senderID,
		Status:     status,
		ObservedAt: time.Now(),
	})
	return true
}

// Truncate shortens a string to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
