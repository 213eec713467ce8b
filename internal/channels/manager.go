package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
)

// Manager manages all registered channels and routes outbound chunks to the
// primary channel. It satisfies the delivery pipeline's Transport.
type Manager struct {
	channels map[string]Channel
	primary  string
	mu       sync.RWMutex
}

// NewManager creates a new channel manager. primary names the channel used
// for outbound delivery; when empty the first registered channel is used.
func NewManager(primary string) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		primary:  primary,
	}
}

// StartAll starts all registered channels. A channel failing to start is
// logged and skipped; the others keep running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels started", "primary", m.primary)
	return nil
}

// StopAll gracefully stops all channels.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slog.Info("stopping all channels")
	for name, channel := range m.channels {
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
	if m.primary == "" {
		m.primary = name
	}
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{})
	for name, channel := range m.channels {
		status[name] = map[string]interface{}{
			"running": channel.IsRunning(),
			"primary": name == m.primary,
		}
	}
	return status
}

// GetEnabledChannels returns the names of all registered channels, sorted.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WebhookRoutes returns path → handler for every channel that receives over HTTP.
func (m *Manager) WebhookRoutes() map[string]http.Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	routes := make(map[string]http.Handler)
	for _, channel := range m.channels {
		if wc, ok := channel.(WebhookChannel); ok {
			path, h := wc.WebhookHandler()
			routes[path] = h
		}
	}
	return routes
}

// Send delivers a chunk through the primary channel.
func (m *Manager) Send(ctx context.Context, chunk, identity string, delayHintMs int) (bool, error) {
	m.mu.RLock()
	channel, ok := m.channels[m.primary]
	m.mu.RUnlock()

	if !ok {
		return false, fmt.Errorf("channel %q not registered: %w", m.primary, ErrPermanent)
	}
	return channel.Send(ctx, chunk, identity, delayHintMs)
}
