package http

import (
	"net/http"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/relay"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

// StatsSource reports engine counters. *relay.Engine satisfies it.
type StatsSource interface {
	Stats() relay.Stats
}

// ChannelStatus reports per-channel state. *channels.Manager satisfies it.
type ChannelStatus interface {
	GetStatus() map[string]interface{}
}

// StatusHandler serves GET /v1/status.
type StatusHandler struct {
	engine   StatsSource
	channels ChannelStatus
	dropped  func() int64
	token    string
	version  string
	started  time.Time
}

// NewStatusHandler creates the status handler. channels and dropped may be nil.
func NewStatusHandler(engine StatsSource, channels ChannelStatus, dropped func() int64, token, version string) *StatusHandler {
	return &StatusHandler{
		engine:   engine,
		channels: channels,
		dropped:  dropped,
		token:    token,
		version:  version,
		started:  time.Now(),
	}
}

// RegisterRoutes registers the status route on the given mux.
func (h *StatusHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+protocol.RouteStatus, authMiddleware(h.token, h.handleStatus))
}

func (h *StatusHandler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"version":  h.version,
		"protocol": protocol.ProtocolVersion,
		"uptime":   time.Since(h.started).Round(time.Second).String(),
		"relay":    h.engine.Stats(),
	}
	if h.channels != nil {
		resp["channels"] = h.channels.GetStatus()
	}
	if h.dropped != nil {
		resp["bus_dropped"] = h.dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}
