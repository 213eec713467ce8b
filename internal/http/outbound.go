package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/chatrelay/internal/relay"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

const maxOutboundBody = 64 << 10

// Outbounder delivers a proactive message. *relay.Engine satisfies it.
type Outbounder interface {
	Deliver(ctx context.Context, identity, text string) error
}

type outboundRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// OutboundHandler sends proactive messages (welcome messages, follow-ups)
// through the delivery pipeline.
type OutboundHandler struct {
	sender Outbounder
	token  string
}

func NewOutboundHandler(sender Outbounder, token string) *OutboundHandler {
	return &OutboundHandler{sender: sender, token: token}
}

// RegisterRoutes registers the outbound route on the given mux.
func (h *OutboundHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+protocol.RouteOutbound, authMiddleware(h.token, h.handleSend))
}

// handleSend blocks until the message is delivered or has failed, so the
// caller learns the outcome.
func (h *OutboundHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req outboundRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOutboundBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to and text are required"})
		return
	}

	err := h.sender.Deliver(r.Context(), req.To, req.Text)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"delivered": true})
	case errors.Is(err, relay.ErrInvalidIdentity):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid recipient"})
	case errors.Is(err, relay.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
	default:
		slog.Warn("outbound delivery failed", "to", req.To, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"delivered": false, "error": err.Error()})
	}
}
