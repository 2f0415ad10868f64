package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// EngineVersion is overridden at build time via -ldflags.
var EngineVersion = "dev"

var (
	configPath string
	socketPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:     "enginectl",
	Short:   "enginectl drives a priority download queue",
	Version: EngineVersion,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (serve only)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "control socket path (defaults to data/runtime/enginectl.sock)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newEnqueueCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newPauseCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newCancelCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
