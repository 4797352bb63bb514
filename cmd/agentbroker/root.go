package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentbroker",
	Short: "Sandboxed coding-agent session broker",
	Long:  `agentbroker provisions and brokers sandboxed coding-agent sessions over an HTTP+JSON RPC surface.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
