package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"warden-hq/warden/pkg/cli"
	"warden-hq/warden/pkg/scope"
)

var statusFlags struct {
	guildID string
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show governance state for a scope",
	Long: `Print the effective budget, today's consumption, active rate
windows, and activity telemetry for the global scope or one guild.

Examples:
  warden status
  warden status --guild 123456789
  warden status --guild 123456789 --format json`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusFlags.guildID, "guild", "", "guild id (omit for the global scope)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	store, err := openBackend(cfg, logger)
	if err != nil {
		return cli.NewCommandError("status", err)
	}
	defer store.Close()

	g, err := newGate(cfg, store, logger)
	if err != nil {
		return cli.NewCommandError("status", err)
	}

	sc := scope.Global()
	if statusFlags.guildID != "" {
		sc = scope.Guild(statusFlags.guildID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := g.Snapshot(ctx, sc)
	if err != nil {
		return cli.NewCommandError("status", err)
	}

	if cli.OutputFormat(outputFormat) == cli.FormatJSON {
		return cli.NewFormatter(cli.FormatJSON).FormatTo(os.Stdout, status)
	}

	fmt.Printf("Scope: %s\n\n", status.Scope)

	if status.Budget.DailyCap > 0 {
		pct := status.Counter.ConsumedToday / status.Budget.DailyCap * 100
		fmt.Printf("Budget:  %.4g / %.4g %s (%.1f%%), resets %02d:00 UTC\n",
			status.Counter.ConsumedToday, status.Budget.DailyCap, status.Budget.Unit,
			pct, status.Budget.ResetHourUTC)
	} else {
		fmt.Printf("Budget:  %.4g %s consumed today (no cap)\n",
			status.Counter.ConsumedToday, status.Budget.Unit)
	}

	fmt.Printf("Limits:  cooldown %ds, %d/min per user, %d/min per channel\n",
		status.RateConfig.CooldownSec, status.RateConfig.PerUserPerMin,
		status.RateConfig.PerChannelPerMin)

	if len(status.Windows) == 0 {
		fmt.Println("Windows: none active")
	} else {
		fmt.Printf("Windows: %d active\n", len(status.Windows))
		for _, w := range status.Windows {
			fmt.Printf("  %-28s %d used, resets in %s\n", w.Key, w.Count, w.ResetsIn.Round(time.Second))
		}
	}

	a := status.Activity
	fmt.Printf("\nActivity: %d chats, %d tool runs, %d tokens, $%.4f\n",
		a.ChatCount, a.ToolRuns, a.TotalTokens, a.CostUSD)
	if !a.LastUsed.IsZero() {
		fmt.Printf("Last used: %s\n", a.LastUsed.UTC().Format(time.RFC3339))
	}
	return nil
}
