package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/delivery"
	"github.com/nextlevelbuilder/chatrelay/internal/presence"
	"github.com/nextlevelbuilder/chatrelay/internal/relay"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, so phone
// numbers may be written unquoted.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the chatrelay gateway.
type Config struct {
	Relay     RelayConfig     `json:"relay"`
	Presence  PresenceConfig  `json:"presence"`
	Delivery  DeliveryConfig  `json:"delivery"`
	History   HistoryConfig   `json:"history"`
	Provider  ProviderConfig  `json:"provider"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Secrets   SecretsConfig   `json:"secrets,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// RelayConfig tunes burst coalescing and the processing pass.
// Durations are Go duration strings ("10s", "1m30s").
type RelayConfig struct {
	CountryCode      string `json:"country_code,omitempty"`      // default "55"
	QuiescenceWindow string `json:"quiescence_window,omitempty"` // default "10s"
	MaxBurstWait     string `json:"max_burst_wait,omitempty"`    // default "120s"
	MaxFragments     int    `json:"max_fragments,omitempty"`     // default 100
	Separator        string `json:"separator,omitempty"`         // default " "
	HistoryTimeout   string `json:"history_timeout,omitempty"`   // default "5s"
	ResponderTimeout string `json:"responder_timeout,omitempty"` // default "60s"
	FallbackMessage  string `json:"fallback_message,omitempty"`
	DedupeTTL        string `json:"dedupe_ttl,omitempty"` // default "20m"
	DedupeMax        int    `json:"dedupe_max,omitempty"` // default 5000
}

// Normalizer returns the identity normalizer for the configured country code.
func (rc RelayConfig) Normalizer() sessions.Normalizer {
	cc := rc.CountryCode
	if cc == "" {
		cc = sessions.DefaultCountryCode
	}
	return sessions.Normalizer{CountryCode: cc}
}

// ToSettings converts RelayConfig to relay.Settings with defaults applied.
func (rc RelayConfig) ToSettings() relay.Settings {
	s := relay.DefaultSettings()
	s.QuiescenceWindow = parseDuration(rc.QuiescenceWindow, s.QuiescenceWindow)
	s.MaxBurstWait = parseDuration(rc.MaxBurstWait, s.MaxBurstWait)
	s.HistoryTimeout = parseDuration(rc.HistoryTimeout, s.HistoryTimeout)
	s.ResponderTimeout = parseDuration(rc.ResponderTimeout, s.ResponderTimeout)
	if rc.MaxFragments > 0 {
		s.MaxFragments = rc.MaxFragments
	}
	if rc.Separator != "" {
		s.Separator = rc.Separator
	}
	if rc.FallbackMessage != "" {
		s.FallbackMessage = rc.FallbackMessage
	}
	return s
}

// Dedupe returns the inbound dedupe TTL and capacity.
func (rc RelayConfig) Dedupe() (time.Duration, int) {
	limit := rc.DedupeMax
	if limit <= 0 {
		limit = bus.DefaultDedupeMax
	}
	return parseDuration(rc.DedupeTTL, bus.DefaultDedupeTTL), limit
}

// PresenceConfig tunes the presence tracker.
type PresenceConfig struct {
	StaleAfter   string `json:"stale_after,omitempty"`   // default "30s"
	PollInterval string `json:"poll_interval,omitempty"` // default "100ms"
}

// ToOptions converts PresenceConfig to presence.Options.
func (pc PresenceConfig) ToOptions() presence.Options {
	return presence.Options{
		StaleAfter:   parseDuration(pc.StaleAfter, presence.DefaultStaleAfter),
		PollInterval: parseDuration(pc.PollInterval, presence.DefaultPollInterval),
	}
}

// DeliveryConfig tunes chunk pacing, presence waits and send retries.
type DeliveryConfig struct {
	PacingMinMs        int     `json:"pacing_min_ms,omitempty"`        // default 1000
	PacingMaxMs        int     `json:"pacing_max_ms,omitempty"`        // default 5000
	CharsPerSecond     float64 `json:"chars_per_second,omitempty"`     // default 60
	Jitter             float64 `json:"jitter,omitempty"`               // default 0.15
	MaxChunkChars      int     `json:"max_chunk_chars,omitempty"`      // default 1000
	QuestionPauseMs    int     `json:"question_pause_ms,omitempty"`    // default 1000
	ExclamationPauseMs int     `json:"exclamation_pause_ms,omitempty"` // default 800
	DefaultPauseMs     int     `json:"default_pause_ms,omitempty"`     // default 500
	MaxRetries         int     `json:"max_retries,omitempty"`          // default 3
	RetryBaseDelay     string  `json:"retry_base_delay,omitempty"`     // default "1s"
	RetryMaxDelay      string  `json:"retry_max_delay,omitempty"`      // default "10s"
	AwaitPresence      *bool   `json:"await_presence,omitempty"`       // default true
	PresenceQuiet      string  `json:"presence_quiet,omitempty"`       // default "2s"
	PresenceTimeout    string  `json:"presence_timeout,omitempty"`     // default "15s"
	SleepBeforeSend    *bool   `json:"sleep_before_send,omitempty"`    // default true
}

// ToSettings converts DeliveryConfig to delivery.Settings with defaults applied.
func (dc DeliveryConfig) ToSettings() delivery.Settings {
	s := delivery.DefaultSettings()
	ms := func(v int, dst *time.Duration) {
		if v > 0 {
			*dst = time.Duration(v) * time.Millisecond
		}
	}
	ms(dc.PacingMinMs, &s.PacingMin)
	ms(dc.PacingMaxMs, &s.PacingMax)
	ms(dc.QuestionPauseMs, &s.QuestionPause)
	ms(dc.ExclamationPauseMs, &s.ExclamationPause)
	ms(dc.DefaultPauseMs, &s.DefaultPause)
	if s.PacingMax < s.PacingMin {
		s.PacingMax = s.PacingMin
	}
	if dc.CharsPerSecond > 0 {
		s.CharsPerSecond = dc.CharsPerSecond
	}
	if dc.Jitter > 0 && dc.Jitter < 1 {
		s.Jitter = dc.Jitter
	}
	if dc.MaxChunkChars > 0 {
		s.MaxChunkChars = dc.MaxChunkChars
	}
	if dc.MaxRetries > 0 {
		s.MaxRetries = dc.MaxRetries
	}
	s.RetryBaseDelay = parseDuration(dc.RetryBaseDelay, s.RetryBaseDelay)
	s.RetryMaxDelay = parseDuration(dc.RetryMaxDelay, s.RetryMaxDelay)
	s.PresenceQuiet = parseDuration(dc.PresenceQuiet, s.PresenceQuiet)
	s.PresenceTimeout = parseDuration(dc.PresenceTimeout, s.PresenceTimeout)
	if dc.AwaitPresence != nil {
		s.AwaitPresence = *dc.AwaitPresence
	}
	if dc.SleepBeforeSend != nil {
		s.SleepBeforeSend = *dc.SleepBeforeSend
	}
	return s
}

// HistoryConfig selects and tunes the conversation history backend.
type HistoryConfig struct {
	Backend           string `json:"backend,omitempty"`            // "file" (default), "sqlite", "postgres", "dynamodb"
	Storage           string `json:"storage,omitempty"`            // file backend directory (default "~/.chatrelay/history")
	SQLitePath        string `json:"sqlite_path,omitempty"`        // default "~/.chatrelay/history.db"
	DynamoTable       string `json:"dynamo_table,omitempty"`       // DynamoDB table name
	DynamoTTL         string `json:"dynamo_ttl,omitempty"`         // item TTL (default "720h")
	Window            int    `json:"window,omitempty"`             // turns rendered into context (default 50)
	UserLabel         string `json:"user_label,omitempty"`         // default "User"
	AssistantLabel    string `json:"assistant_label,omitempty"`    // default "Assistant"
	RetentionKeep     int    `json:"retention_keep,omitempty"`     // turns kept per identity (0 = keep all)
	RetentionSchedule string `json:"retention_schedule,omitempty"` // cron expression (default "0 3 * * *")
}

// ProviderConfig configures the OpenAI-compatible responder.
type ProviderConfig struct {
	APIBase          string  `json:"api_base,omitempty"` // default "https://api.openai.com/v1"
	APIKey           string  `json:"api_key,omitempty"`
	Model            string  `json:"model,omitempty"`
	SystemPrompt     string  `json:"system_prompt,omitempty"`
	SystemPromptFile string  `json:"system_prompt_file,omitempty"` // read at startup, overrides SystemPrompt
	MaxTokens        int     `json:"max_tokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	Timeout          string  `json:"timeout,omitempty"`     // HTTP timeout (default "60s")
	MaxRetries       int     `json:"max_retries,omitempty"` // default 3
}

// TimeoutDuration returns the HTTP timeout for responder calls.
func (pc ProviderConfig) TimeoutDuration() time.Duration {
	return parseDuration(pc.Timeout, 60*time.Second)
}

// GatewayConfig configures the HTTP server.
type GatewayConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Token             string `json:"token,omitempty"`               // bearer token for /v1 endpoints
	WebhookRateWindow string `json:"webhook_rate_window,omitempty"` // default "60s"
	WebhookRateMax    int    `json:"webhook_rate_max,omitempty"`    // default 600
	MaxBodyBytes      int64  `json:"max_body_bytes,omitempty"`      // default 1 MiB
}

// DatabaseConfig holds the Postgres connection. The DSN comes from
// CHATRELAY_POSTGRES_DSN only and is never written to config files.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// SecretsConfig names AWS SSM parameters that hold secrets. A resolved
// parameter fills its field unless an env var overrides it.
type SecretsConfig struct {
	Region               string `json:"region,omitempty"`
	EvolutionAPIKeyParam string `json:"evolution_api_key_param,omitempty"`
	ProviderAPIKeyParam  string `json:"provider_api_key_param,omitempty"`
	GatewayTokenParam    string `json:"gateway_token_param,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for traces.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "chatrelay"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// ApplyLive copies the hot-reloadable sections (relay and delivery tuning)
// from src and reports whether anything changed. Other sections need a restart.
func (c *Config) ApplyLive(src *Config) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reflect.DeepEqual(c.Relay, src.Relay) && reflect.DeepEqual(c.Delivery, src.Delivery) {
		return false
	}
	c.Relay = src.Relay
	c.Delivery = src.Delivery
	return true
}

// Snapshot returns the hot-reloadable sections under the read lock.
func (c *Config) Snapshot() (RelayConfig, DeliveryConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay, c.Delivery
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

// DynamoTTLDuration returns the DynamoDB item TTL.
func (hc HistoryConfig) DynamoTTLDuration() time.Duration {
	return parseDuration(hc.DynamoTTL, 30*24*time.Hour)
}

// WebhookRate returns the per-source webhook rate limit window and hits.
func (gc GatewayConfig) WebhookRate() (time.Duration, int) {
	return parseDuration(gc.WebhookRateWindow, 60*time.Second), gc.WebhookRateMax
}
