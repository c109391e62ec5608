// Package cmd wires the agencyd CLI: serve (default) and migrate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openagency/agencyd/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/openagency/agencyd/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agencyd",
	Short: "agencyd — durable agent orchestration hub",
	Long:  "agencyd hosts agencies of LLM agents: blueprints, schedules, subagent trees, and a durable tick-based runtime behind an HTTP/WebSocket control plane.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: agencyd.json5 or $AGENCYD_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(migrateCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agencyd %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("AGENCYD_CONFIG"); v != "" {
		return v
	}
	return "agencyd.json5"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
