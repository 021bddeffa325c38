package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config/config.example.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tickgate",
		Short:         "Tick-cadence admission gate in front of a single origin",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to yaml config")

	root.AddCommand(newServeCmd(), newValidateCmd(), newSimulateCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tickgate:", err)
		os.Exit(1)
	}
}
