package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	root := &cobra.Command{
		Use:   "coordinator",
		Short: "Drives deployment transactions to confirmation against a JSON-RPC endpoint",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(newSendCmd(&configPath, &debug))
	root.AddCommand(newSyncCmd(&configPath, &debug))
	return root
}
