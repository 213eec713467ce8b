package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nextlevelbuilder/chatrelay/internal/channels"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

const maxResponseBytes = 64 << 10

type sendTextRequest struct {
	Number       string `json:"number"`
	Text         string `json:"text"`
	Delay        int    `json:"delay"`
	PresenceType string `json:"presenceType"`
}

type sendTextResponse struct {
	Key    json.RawMessage `json:"key"`
	Status string          `json:"status"`
}

// Send posts one chunk to sendText. 429 and 5xx are transient errors; any
// other 4xx wraps channels.ErrPermanent. A 2xx without a key or with an
// unaccepted status reports ok=false with a nil error.
func (c *Channel) Send(ctx context.Context, chunk, identity string, delayHintMs int) (bool, error) {
	if err := c.pace(ctx); err != nil {
		return false, err
	}

	body, err := json.Marshal(sendTextRequest{
		Number:       identity,
		Text:         chunk,
		Delay:        delayHintMs,
		PresenceType: protocol.PresenceComposing,
	})
	if err != nil {
		return false, fmt.Errorf("evolution: marshal sendText: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("evolution: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("evolution: sendText: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return false, fmt.Errorf("evolution: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return false, fmt.Errorf("evolution: sendText status %d: %s", resp.StatusCode, channels.Truncate(string(respBody), 200))
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("evolution: sendText status %d: %s: %w", resp.StatusCode, channels.Truncate(string(respBody), 200), channels.ErrPermanent)
	}

	var result sendTextResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return false, fmt.Errorf("evolution: decode response: %w", err)
	}
	if len(result.Key) == 0 || string(result.Key) == "null" || !protocol.SendAccepted(result.Status) {
		return false, nil
	}
	return true, nil
}
