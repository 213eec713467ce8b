package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatrelay/internal/burst"
	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/channels"
	"github.com/nextlevelbuilder/chatrelay/internal/channels/evolution"
	"github.com/nextlevelbuilder/chatrelay/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/delivery"
	"github.com/nextlevelbuilder/chatrelay/internal/gateway"
	httpapi "github.com/nextlevelbuilder/chatrelay/internal/http"
	"github.com/nextlevelbuilder/chatrelay/internal/presence"
	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/relay"
	"github.com/nextlevelbuilder/chatrelay/internal/secrets"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

const shutdownGrace = 30 * time.Second

func runGateway() {
	setupLogging()
	config.LoadDotEnv()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := resolveParamSecrets(ctx, cfg); err != nil {
		slog.Error("failed to resolve SSM secrets", "error", err)
		os.Exit(1)
	}

	shutdownTracing, err := initTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	backend, err := openHistoryBackend(ctx, cfg)
	if err != nil {
		slog.Error("failed to open history backend", "backend", cfg.History.Backend, "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	history := store.NewHistory(backend, cfg.History.Window, store.Labels{
		User:      cfg.History.UserLabel,
		Assistant: cfg.History.AssistantLabel,
	})

	normalizer := cfg.Relay.Normalizer()
	msgBus := bus.New()

	channelMgr := channels.NewManager(cfg.Channels.Primary)
	registerChannels(channelMgr, cfg, msgBus, normalizer)
	if len(channelMgr.GetEnabledChannels()) == 0 {
		slog.Error("no channels enabled; configure channels.evolution or channels.whatsapp")
		os.Exit(1)
	}

	responder, err := buildResponder(cfg.Provider)
	if err != nil {
		slog.Error("failed to create responder", "error", err)
		os.Exit(1)
	}

	tracker := presence.NewTracker(cfg.Presence.ToOptions())
	pipeline := delivery.NewPipeline(channelMgr, tracker, cfg.Delivery.ToSettings())

	relaySettings := cfg.Relay.ToSettings()
	engine := relay.NewEngine(relay.EngineConfig{
		Settings:   relaySettings,
		Normalizer: normalizer,
		Bursts:     burst.NewTable(relaySettings.MaxFragments, nil),
		Presence:   tracker,
		Responder:  responder,
		History:    history,
		Deliverer:  pipeline,
	})

	server := gateway.NewServer(cfg.Gateway, channelMgr.WebhookRoutes(),
		httpapi.NewOutboundHandler(engine, cfg.Gateway.Token),
		httpapi.NewStatusHandler(engine, channelMgr, msgBus.Dropped, cfg.Gateway.Token, Version),
	)

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
		os.Exit(1)
	}

	dedupeTTL, dedupeMax := cfg.Relay.Dedupe()
	dedupe := bus.NewDedupeCache(dedupeTTL, dedupeMax)

	slog.Info("chatrelay started",
		"version", Version,
		"channels", channelMgr.GetEnabledChannels(),
		"history", cfg.History.Backend,
		"quiescence_window", relaySettings.QuiescenceWindow,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		consumeInboundMessages(gctx, msgBus, engine, dedupe)
		return nil
	})
	g.Go(func() error {
		consumePresenceUpdates(gctx, msgBus, engine)
		return nil
	})
	g.Go(func() error {
		return store.RunRetention(gctx, backend, store.RetentionPolicy{
			Schedule: cfg.History.RetentionSchedule,
			KeepLast: cfg.History.RetentionKeep,
		})
	})
	if _, statErr := os.Stat(cfgPath); statErr == nil {
		g.Go(func() error {
			return config.Watch(gctx, cfgPath, func(next *config.Config) {
				applyReload(cfg, next, engine, pipeline)
			})
		})
	}

	runErr := g.Wait()
	if runErr != nil {
		slog.Error("gateway stopped with error", "error", runErr)
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	drainThenStop(shutdownCtx, engine, channelMgr)
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "error", err)
	}

	if runErr != nil {
		backend.Close()
		os.Exit(1)
	}
}

type drainer interface {
	Shutdown(ctx context.Context) error
}

type channelStopper interface {
	StopAll(ctx context.Context) error
}

// drainThenStop lets in-flight passes finish delivering while transports are
// still connected, then stops the channels.
func drainThenStop(ctx context.Context, engine drainer, channels channelStopper) {
	if err := engine.Shutdown(ctx); err != nil {
		slog.Warn("engine shutdown timed out, in-flight passes cancelled", "error", err)
	}
	if err := channels.StopAll(ctx); err != nil {
		slog.Warn("channel shutdown error", "error", err)
	}
}

// registerChannels creates every enabled channel. A channel that fails to
// initialize is logged and skipped so the others can still run.
func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus bus.MessageRouter, normalizer sessions.Normalizer) {
	if cfg.Channels.Evolution.Enabled {
		ch, err := evolution.New(cfg.Channels.Evolution, msgBus, normalizer)
		if err != nil {
			slog.Error("failed to initialize evolution channel", "error", err)
		} else {
			mgr.RegisterChannel("evolution", ch)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		ch, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus, normalizer)
		if err != nil {
			slog.Error("failed to initialize whatsapp channel", "error", err)
		} else {
			mgr.RegisterChannel("whatsapp", ch)
		}
	}
}

func buildResponder(pc config.ProviderConfig) (*providers.Responder, error) {
	if pc.APIKey == "" {
		return nil, errors.New("provider api key is not set (CHATRELAY_PROVIDER_API_KEY or secrets.provider_api_key_param)")
	}

	prompt := pc.SystemPrompt
	if pc.SystemPromptFile != "" {
		data, err := os.ReadFile(config.ExpandHome(pc.SystemPromptFile))
		if err != nil {
			return nil, fmt.Errorf("read system prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}

	retry := providers.DefaultRetryConfig()
	if pc.MaxRetries > 0 {
		retry.MaxAttempts = pc.MaxRetries
	}
	provider := providers.NewOpenAIProvider("openai", pc.APIKey, pc.APIBase, pc.Model).
		WithTimeout(pc.TimeoutDuration()).
		WithRetry(retry)

	return providers.NewResponder(provider, providers.ResponderConfig{
		SystemPrompt: prompt,
		Model:        pc.Model,
		MaxTokens:    pc.MaxTokens,
		Temperature:  pc.Temperature,
	}), nil
}

// resolveParamSecrets overlays SSM parameters onto the config, then
// re-applies env so env vars keep the highest precedence.
func resolveParamSecrets(ctx context.Context, cfg *config.Config) error {
	names := cfg.SecretParams()
	if len(names) == 0 {
		return nil
	}

	awsCfg, err := loadAWSConfig(ctx, cfg.Secrets.Region)
	if err != nil {
		return err
	}
	values, err := secrets.Resolve(ctx, secrets.NewFromAWSConfig(awsCfg), names)
	if err != nil {
		return err
	}
	cfg.ApplyParamSecrets(values)
	cfg.ApplyEnvOverrides()
	slog.Info("resolved secrets from SSM", "count", len(values))
	return nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// settingsUpdater is satisfied by both the relay engine and the delivery pipeline.
type settingsUpdater[S any] interface {
	UpdateSettings(S)
}

// applyReload pushes hot-reloadable settings from a reloaded config file.
func applyReload(cur, next *config.Config, engine settingsUpdater[relay.Settings], pipeline settingsUpdater[delivery.Settings]) {
	if !cur.ApplyLive(next) {
		slog.Debug("config: reload had no live changes")
		return
	}
	rc, dc := cur.Snapshot()
	engine.UpdateSettings(rc.ToSettings())
	pipeline.UpdateSettings(dc.ToSettings())
	slog.Info("config: relay and delivery settings updated")
}
