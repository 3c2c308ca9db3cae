package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - AI governance core for chat bots",
	Long: `Warden enforces per-guild governance for AI-powered chat bots:
model allow/deny policy, daily budgets with warning thresholds,
fixed-window rate limits and cooldowns, and bounded autosearch plans.

The bot host embeds the library; this CLI inspects configuration and
persisted state.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "output format: text, json")
}
