package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/3xpluto/tickgate/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config and print the configured gates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("config %s: %w", path, err)
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Gate", "Policy", "Origin", "Start", "On relay failure"})
			for _, g := range cfg.Gates {
				p, _ := g.Policy.Policy()
				origin := g.Origin
				if origin == "" {
					origin = "(meter only)"
				}
				t.AppendRow(table.Row{g.Name, p.String(), origin, g.Start, g.OnRelayFailure})
			}
			t.AppendFooter(table.Row{"", "", "", "state", cfg.State.Backend})
			t.Render()
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	}
}
