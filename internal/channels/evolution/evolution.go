// Package evolution implements the Evolution API (WhatsApp) channel: a
// webhook receiver for messages.upsert / presence.update events and a REST
// sender for sendText.
package evolution

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/channels"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

const (
	channelName = "evolution"

	defaultSendRate  = 5
	defaultSendBurst = 5
)

// Channel connects to an Evolution API instance.
type Channel struct {
	*channels.BaseChannel
	config  config.EvolutionConfig
	client  *http.Client
	limiter *rate.Limiter
	sendURL string
}

// New creates a new Evolution channel from config.
func New(cfg config.EvolutionConfig, msgBus bus.MessageRouter, normalizer sessions.Normalizer) (*Channel, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("evolution api_url is required")
	}
	if cfg.Instance == "" {
		return nil, fmt.Errorf("evolution instance is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("evolution api_key is required")
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = protocol.DefaultEvolutionWebhook
	}

	perSec := cfg.SendRatePerSec
	if perSec <= 0 {
		perSec = defaultSendRate
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = defaultSendBurst
	}

	base := channels.NewBaseChannel(channelName, msgBus, cfg.AllowFrom, cfg.SelfNumber, normalizer)

	return &Channel{
		BaseChannel: base,
		config:      cfg,
		client:      &http.Client{Timeout: cfg.TimeoutDuration()},
		limiter:     rate.NewLimiter(rate.Limit(perSec), burst),
		sendURL:     strings.TrimRight(cfg.APIURL, "/") + "/message/sendText/" + cfg.Instance,
	}, nil
}

// Start marks the channel running. Inbound events arrive through the
// webhook handler mounted by the gateway.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting evolution channel",
		"api_url", c.config.APIURL,
		"instance", c.config.Instance,
		"webhook", c.config.WebhookPath,
	)
	c.SetRunning(true)
	return nil
}

// Stop marks the channel stopped; the webhook answers 503 afterwards.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping evolution channel")
	c.SetRunning(false)
	c.client.CloseIdleConnections()
	return nil
}

// WebhookHandler returns the path and handler for Evolution webhook events.
func (c *Channel) WebhookHandler() (string, http.Handler) {
	return c.config.WebhookPath, http.HandlerFunc(c.handleWebhook)
}

// pace reserves a send slot, honoring ctx.
func (c *Channel) pace(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("evolution: rate limit wait: %w", err)
	}
	return nil
}
