package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			CountryCode:      "55",
			QuiescenceWindow: "10s",
			MaxBurstWait:     "120s",
			MaxFragments:     100,
			Separator:        " ",
			HistoryTimeout:   "5s",
			ResponderTimeout: "60s",
			FallbackMessage:  "Desculpe, ocorreu um erro. Tente novamente.",
			DedupeTTL:        "20m",
			DedupeMax:        5000,
		},
		Presence: PresenceConfig{
			StaleAfter:   "30s",
			PollInterval: "100ms",
		},
		History: HistoryConfig{
			Backend:           "file",
			Storage:           "~/.chatrelay/history",
			SQLitePath:        "~/.chatrelay/history.db",
			Window:            50,
			UserLabel:         "User",
			AssistantLabel:    "Assistant",
			RetentionSchedule: "0 3 * * *",
		},
		Provider: ProviderConfig{
			APIBase:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.7,
			Timeout:     "60s",
			MaxRetries:  3,
		},
		Channels: ChannelsConfig{
			Evolution: EvolutionConfig{
				WebhookPath:    "/webhook/evolution",
				GroupPolicy:    "disabled",
				SendRatePerSec: 5,
				SendBurst:      5,
				Timeout:        "30s",
			},
			WhatsApp: WhatsAppConfig{
				GroupPolicy: "disabled",
			},
		},
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              18790,
			WebhookRateWindow: "60s",
			WebhookRateMax:    600,
			MaxBodyBytes:      1 << 20,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "chatrelay",
		},
	}
}

// LoadDotEnv loads a .env file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			slog.Warn("config: failed to load env file", "path", p, "error", err)
			continue
		}
		slog.Debug("config: loaded env file", "path", p)
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values and SSM parameters.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Secrets
	envStr("CHATRELAY_EVOLUTION_API_KEY", &c.Channels.Evolution.APIKey)
	envStr("CHATRELAY_PROVIDER_API_KEY", &c.Provider.APIKey)
	envStr("CHATRELAY_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("CHATRELAY_POSTGRES_DSN", &c.Database.PostgresDSN)

	// Evolution channel
	envStr("CHATRELAY_EVOLUTION_API_URL", &c.Channels.Evolution.APIURL)
	envStr("CHATRELAY_EVOLUTION_INSTANCE", &c.Channels.Evolution.Instance)
	envStr("CHATRELAY_EVOLUTION_SELF_NUMBER", &c.Channels.Evolution.SelfNumber)
	if v := os.Getenv("CHATRELAY_EVOLUTION_ALLOW_FROM"); v != "" {
		c.Channels.Evolution.AllowFrom = strings.Split(v, ",")
	}

	// WhatsApp bridge
	envStr("CHATRELAY_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Evolution.APIURL != "" && c.Channels.Evolution.APIKey != "" && c.Channels.Evolution.Instance != "" {
		c.Channels.Evolution.Enabled = true
	}
	if c.Channels.WhatsApp.BridgeURL != "" {
		c.Channels.WhatsApp.Enabled = true
	}
	envStr("CHATRELAY_PRIMARY_CHANNEL", &c.Channels.Primary)

	// Provider
	envStr("CHATRELAY_PROVIDER_API_BASE", &c.Provider.APIBase)
	envStr("CHATRELAY_MODEL", &c.Provider.Model)

	// Relay
	envStr("CHATRELAY_COUNTRY_CODE", &c.Relay.CountryCode)
	envStr("CHATRELAY_QUIESCENCE_WINDOW", &c.Relay.QuiescenceWindow)

	// History
	envStr("CHATRELAY_HISTORY_BACKEND", &c.History.Backend)
	envStr("CHATRELAY_HISTORY_STORAGE", &c.History.Storage)
	envStr("CHATRELAY_SQLITE_PATH", &c.History.SQLitePath)
	envStr("CHATRELAY_DYNAMO_TABLE", &c.History.DynamoTable)

	// AWS
	envStr("AWS_REGION", &c.Secrets.Region)

	// Gateway host/port
	envStr("CHATRELAY_HOST", &c.Gateway.Host)
	envInt("CHATRELAY_PORT", &c.Gateway.Port)

	// Telemetry
	envStr("CHATRELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CHATRELAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CHATRELAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("CHATRELAY_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("CHATRELAY_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after overlaying SSM secrets so env keeps the highest precedence.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// SecretParams returns the configured SSM parameter names.
func (c *Config) SecretParams() []string {
	var names []string
	for _, n := range []string{
		c.Secrets.EvolutionAPIKeyParam,
		c.Secrets.ProviderAPIKeyParam,
		c.Secrets.GatewayTokenParam,
	} {
		if n != "" {
			names = append(names, n)
		}
	}
	return names
}

// ApplyParamSecrets overlays resolved SSM parameter values (keyed by
// parameter name) onto the secret fields.
// Precedence chain: config file → SSM → env vars.
func (c *Config) ApplyParamSecrets(values map[string]string) {
	apply := func(param string, dst *string) {
		if param == "" {
			return
		}
		if v, ok := values[param]; ok && v != "" {
			*dst = v
		}
	}
	apply(c.Secrets.EvolutionAPIKeyParam, &c.Channels.Evolution.APIKey)
	apply(c.Secrets.ProviderAPIKeyParam, &c.Provider.APIKey)
	apply(c.Secrets.GatewayTokenParam, &c.Gateway.Token)
}

// Hash returns a SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
