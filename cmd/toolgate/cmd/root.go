// Package cmd provides the CLI commands for toolgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "toolgate - a governance proxy for MCP tool servers",
	Long: `toolgate sits in front of one or more Model Context Protocol tool
servers and mounts their tools behind a policy engine: rate limits, allowed
hours, blocked-pattern and custom-rule checks, and an audit trail of every
invocation, decision, and completion.

Quick start:
  1. Create a config file: toolgate.json
  2. Run: toolgate start

Configuration:
  Config is loaded from the file passed with --config, a JSON document of
  the shape {"governance": {...}, "mcpServers": {<name>: {...}}}, where each
  server's own governance block may carry custom_rules. A missing or invalid
  file falls back to the built-in default plan, which has no upstream
  servers.

  MONGODB_URI (or governance.mongodb_uri) selects the MongoDB audit backend,
  with MONGODB_DATABASE naming its database; with no Mongo URI set,
  toolgate uses an embedded SQLite database file.

Commands:
  start       Start the governance proxy
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "deployment config file (default: built-in plan with no upstream servers)")
}
