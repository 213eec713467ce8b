package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
)

func normalizeCmd() *cobra.Command {
	var countryCode string
	cmd := &cobra.Command{
		Use:   "normalize <number|jid>...",
		Short: "Print the conversation identity for raw numbers or JIDs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := sessions.Normalizer{CountryCode: countryCode}
			if n.CountryCode == "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					return err
				}
				n = cfg.Relay.Normalizer()
			}
			out := cmd.OutOrStdout()
			for _, raw := range args {
				id := n.Normalize(raw)
				if id == "" {
					id = "(invalid)"
				}
				fmt.Fprintf(out, "%s\t%s\n", raw, id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&countryCode, "country-code", "", "country calling code (default: relay.country_code)")
	return cmd
}
