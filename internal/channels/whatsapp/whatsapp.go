package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/channels"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// frame is the JSON envelope exchanged with the bridge.
//
//	inbound:  {"type":"message","from":"...","chat":"...","content":"...","id":"...","from_name":"..."}
//	          {"type":"presence","from":"...","status":"composing"}
//	outbound: {"type":"message","to":"...","content":"...","delay":1500}
type frame struct {
	Type     string `json:"type"`
	From     string `json:"from,omitempty"`
	Chat     string `json:"chat,omitempty"`
	To       string `json:"to,omitempty"`
	Content  string `json:"content,omitempty"`
	ID       string `json:"id,omitempty"`
	FromName string `json:"from_name,omitempty"`
	Status   string `json:"status,omitempty"`
	Delay    int    `json:"delay,omitempty"`
}

// Channel connects to a WhatsApp bridge via WebSocket.
// The bridge (e.g. whatsapp-web.js based) handles the actual WhatsApp
// protocol; this channel just sends/receives JSON frames over WS.
type Channel struct {
	*channels.BaseChannel
	conn   *websocket.Conn
	config config.WhatsAppConfig
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new WhatsApp channel from config.
func New(cfg config.WhatsAppConfig, msgBus bus.MessageRouter, normalizer sessions.Normalizer) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}

	base := channels.NewBaseChannel("whatsapp", msgBus, cfg.AllowFrom, cfg.SelfNumber, normalizer)

	return &Channel{
		BaseChannel: base,
		config:      cfg,
	}, nil
}

// Start connects to the WhatsApp bridge WebSocket and begins listening.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.config.BridgeURL)

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		// The reconnect loop keeps trying.
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	c.wg.Add(1)
	go c.listenLoop()

	c.SetRunning(true)
	return nil
}

// Stop gracefully shuts down the WhatsApp channel.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp channel")

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.SetRunning(false)
	return nil
}

// Send writes one chunk to the bridge. A missing connection returns
// channels.ErrNotConnected so the delivery pipeline retries after reconnect.
func (c *Channel) Send(ctx context.Context, chunk, identity string, delayHintMs int) (bool, error) {
	data, err := json.Marshal(frame{
		Type:    protocol.FrameMessage,
		To:      identity,
		Content: chunk,
		Delay:   delayHintMs,
	})
	if err != nil {
		return false, fmt.Errorf("marshal whatsapp message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return false, fmt.Errorf("whatsapp bridge: %w", channels.ErrNotConnected)
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return false, fmt.Errorf("send whatsapp message: %w", err)
	}
	return true, nil
}

// connect establishes the WebSocket connection to the bridge.
func (c *Channel) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(c.ctx, c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.config.BridgeURL, err)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return c.ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.config.BridgeURL)
	return nil
}

func (c *Channel) dropConn() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// listenLoop reads frames from the bridge with automatic reconnection.
// The reconnect delay doubles up to maxBackoff and resets on success.
func (c *Channel) listenLoop() {
	defer c.wg.Done()
	backoff := initialBackoff

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, maxBackoff)
				continue
			}

			backoff = initialBackoff
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Warn("whatsapp read error, will reconnect", "error", err)
			}
			c.dropConn()
			continue
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			slog.Warn("invalid whatsapp message JSON", "error", err)
			continue
		}

		switch f.Type {
		case protocol.FrameMessage:
			c.handleIncomingMessage(f)
		case protocol.FramePresence:
			c.handlePresence(f)
		}
	}
}

// handleIncomingMessage processes a message frame received from the bridge.
func (c *Channel) handleIncomingMessage(f frame) {
	if f.From == "" {
		return
	}

	chatID := f.Chat
	if chatID == "" {
		chatID = f.From
	}

	peerKind := protocol.PeerDirect
	if sessions.IsGroupJID(chatID) {
		peerKind = protocol.PeerGroup
		if !c.CheckGroupPolicy(c.config.GroupPolicy, f.From) {
			slog.Debug("whatsapp group message rejected by policy", "sender_id", f.From)
			return
		}
	}

	metadata := map[string]string{"chat_id": chatID}
	if f.FromName != "" {
		metadata["user_name"] = f.FromName
	}

	slog.Debug("whatsapp message received",
		"sender_id", f.From,
		"chat_id", chatID,
		"preview", channels.Truncate(f.Content, 50),
	)

	c.HandleMessage(f.From, f.Content, f.ID, peerKind, metadata)
}

func (c *Channel) handlePresence(f frame) {
	if f.From == "" || f.Status == "" {
		return
	}
	c.HandlePresence(f.From, f.Status)
}
