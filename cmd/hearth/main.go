// Package main is the CLI entry point for the Hearth chat agent server.
//
// Start the server:
//
//	hearth serve --config hearth.yaml
//
// Apply database migrations:
//
//	hearth migrate --config hearth.yaml
//
// Configuration can also come from environment variables:
//
//   - DATABASE_URL: Postgres connection string
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - BROWSER_IDLE_TIMEOUT: browser session idle TTL in seconds
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hearth",
		Short: "Hearth - LLM chat agent server",
		Long: `Hearth runs multi-turn LLM chat sessions with streaming responses,
tool execution behind human approval, automatic context compaction,
and a per-session browser for web tasks.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
	)
	return rootCmd
}
