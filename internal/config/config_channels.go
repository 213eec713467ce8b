package config

import "time"

// ChannelsConfig contains per-channel configuration. Primary names the
// channel used for outbound delivery ("evolution" or "whatsapp"); when empty
// the first enabled channel is used.
type ChannelsConfig struct {
	Primary   string          `json:"primary,omitempty"`
	Evolution EvolutionConfig `json:"evolution"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
}

// EvolutionConfig configures the Evolution API (WhatsApp) channel.
type EvolutionConfig struct {
	Enabled        bool                `json:"enabled"`
	APIURL         string              `json:"api_url"`
	Instance       string              `json:"instance"`
	APIKey         string              `json:"api_key,omitempty"`
	SelfNumber     string              `json:"self_number,omitempty"`       // the relay's own number; its events are ignored
	WebhookPath    string              `json:"webhook_path,omitempty"`      // default "/webhook/evolution"
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	GroupPolicy    string              `json:"group_policy,omitempty"`      // "disabled" (default), "open", "allowlist"
	SendRatePerSec float64             `json:"send_rate_per_sec,omitempty"` // default 5
	SendBurst      int                 `json:"send_burst,omitempty"`        // default 5
	Timeout        string              `json:"timeout,omitempty"`           // HTTP timeout (default "30s")
}

// WhatsAppConfig configures the WebSocket bridge channel.
type WhatsAppConfig struct {
	Enabled     bool                `json:"enabled"`
	BridgeURL   string              `json:"bridge_url"`
	SelfNumber  string              `json:"self_number,omitempty"`
	AllowFrom   FlexibleStringSlice `json:"allow_from"`
	GroupPolicy string              `json:"group_policy,omitempty"` // "disabled" (default), "open", "allowlist"
}

// TimeoutDuration returns the HTTP timeout for Evolution API calls.
func (ec EvolutionConfig) TimeoutDuration() time.Duration {
	return parseDuration(ec.Timeout, 30*time.Second)
}
