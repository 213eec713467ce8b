package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and prune conversation history",
	}
	cmd.AddCommand(historyShowCmd())
	cmd.AddCommand(historyPruneCmd())
	return cmd
}

// withHistoryBackend loads config, opens the configured backend and runs fn.
func withHistoryBackend(fn func(ctx context.Context, cfg *config.Config, backend store.TurnStore) error) error {
	config.LoadDotEnv()
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	ctx := context.Background()
	backend, err := openHistoryBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open history backend: %w", err)
	}
	defer backend.Close()
	return fn(ctx, cfg, backend)
}

func historyShowCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show <identity>",
		Short: "Print the rendered history for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistoryBackend(func(ctx context.Context, cfg *config.Config, backend store.TurnStore) error {
				identity := cfg.Relay.Normalizer().Normalize(args[0])
				if identity == "" {
					return fmt.Errorf("invalid identity %q", args[0])
				}
				window := limit
				if window <= 0 {
					window = cfg.History.Window
				}
				h := store.NewHistory(backend, window, store.Labels{
					User:      cfg.History.UserLabel,
					Assistant: cfg.History.AssistantLabel,
				})
				text, err := h.Read(ctx, identity)
				if err != nil {
					return err
				}
				if text == "" {
					fmt.Fprintf(cmd.OutOrStdout(), "no history for %s\n", identity)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of turns (default: history.window)")
	return cmd
}

func historyPruneCmd() *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Keep only the most recent turns of every identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistoryBackend(func(ctx context.Context, cfg *config.Config, backend store.TurnStore) error {
				n := keep
				if n <= 0 {
					n = cfg.History.RetentionKeep
				}
				if n <= 0 {
					return fmt.Errorf("nothing to prune: pass --keep or set history.retention_keep")
				}
				removed, err := backend.Prune(ctx, n)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d turn(s), kept the last %d per identity\n", removed, n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "turns kept per identity (default: history.retention_keep)")
	return cmd
}
