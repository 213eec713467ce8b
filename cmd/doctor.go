package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/store/pg"
	"github.com/nextlevelbuilder/chatrelay/internal/upgrade"
	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, configuration and history backend health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	config.LoadDotEnv()

	fmt.Println("chatrelay doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	fmt.Printf("  Hash:     %s\n", cfg.Hash())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if names := cfg.SecretParams(); len(names) > 0 {
		fmt.Println()
		fmt.Println("  Secrets (SSM):")
		if err := resolveParamSecrets(ctx, cfg); err != nil {
			fmt.Printf("    %-12s FAILED (%s)\n", "Resolve:", err)
		} else {
			fmt.Printf("    %-12s %d parameter(s) OK\n", "Resolve:", len(names))
		}
	}

	rs := cfg.Relay.ToSettings()
	fmt.Println()
	fmt.Println("  Relay:")
	fmt.Printf("    %-12s %s\n", "Country:", cfg.Relay.Normalizer().CountryCode)
	fmt.Printf("    %-12s %s (max wait %s)\n", "Quiescence:", rs.QuiescenceWindow, rs.MaxBurstWait)
	fmt.Printf("    %-12s %d\n", "Max frags:", rs.MaxFragments)

	fmt.Println()
	fmt.Println("  History:")
	fmt.Printf("    %-12s %s\n", "Backend:", cfg.History.Backend)
	if cfg.History.Backend == backendPostgres && cfg.Database.PostgresDSN != "" {
		checkSchema(cfg.Database.PostgresDSN)
	}
	if backend, err := openHistoryBackend(ctx, cfg); err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Status:", err)
	} else {
		fmt.Printf("    %-12s OK\n", "Status:")
		backend.Close()
	}
	if err := store.ValidateSchedule(retentionSchedule(cfg)); err != nil {
		fmt.Printf("    %-12s %s\n", "Retention:", err)
	} else if cfg.History.RetentionKeep > 0 {
		fmt.Printf("    %-12s keep %d, %q\n", "Retention:", cfg.History.RetentionKeep, retentionSchedule(cfg))
	} else {
		fmt.Printf("    %-12s disabled\n", "Retention:")
	}

	fmt.Println()
	fmt.Println("  Provider:")
	fmt.Printf("    %-12s %s\n", "API base:", cfg.Provider.APIBase)
	fmt.Printf("    %-12s %s\n", "Model:", cfg.Provider.Model)
	fmt.Printf("    %-12s %s\n", "API key:", maskKey(cfg.Provider.APIKey))

	fmt.Println()
	fmt.Println("  Channels:")
	evo := cfg.Channels.Evolution
	checkChannel("Evolution", evo.Enabled, evo.APIURL != "" && evo.APIKey != "" && evo.Instance != "")
	checkChannel("WhatsApp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "")

	fmt.Println()
	fmt.Printf("  Gateway:   %s:%d (token %s)\n", cfg.Gateway.Host, cfg.Gateway.Port, maskKey(cfg.Gateway.Token))
	if cfg.Telemetry.Enabled {
		fmt.Printf("  Telemetry: %s %s\n", cfg.Telemetry.Protocol, cfg.Telemetry.Endpoint)
	} else {
		fmt.Println("  Telemetry: disabled")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSchema(dsn string) {
	db, err := pg.OpenDB(dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Postgres:", err)
		return
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(db)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: chatrelay migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (migration needed, run: chatrelay migrate up)\n", "Schema:", s.CurrentVersion)
	}
}

func retentionSchedule(cfg *config.Config) string {
	if cfg.History.RetentionSchedule == "" {
		return store.DefaultRetentionSchedule
	}
	return cfg.History.RetentionSchedule
}

// maskKey shows only the edges of a secret. Short secrets are fully masked.
func maskKey(key string) string {
	switch {
	case key == "":
		return "(not configured)"
	case len(key) <= 8:
		return strings.Repeat("*", len(key))
	default:
		return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}
