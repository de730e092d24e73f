package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cmmvio/umicp-go/cmd/umicp/commands"
)

var rootCmd = &cobra.Command{
	Use:   "umicp",
	Short: "UMICP inter-model communication protocol",
	Long:  "Tools for the universal matrix inter-model communication protocol: envelopes, binary frames, and secure transports.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to YAML configuration (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&commands.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	rootCmd.AddCommand(commands.NewEchoCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
