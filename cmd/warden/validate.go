package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load the configuration file, apply WARDEN_* environment overrides,
and check every value. Exits non-zero when the configuration would be
rejected at startup.

Examples:
  warden validate
  warden validate --config /etc/warden/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("✓ %s is valid\n\n", cfgFile)
	fmt.Printf("Storage:   %s", cfg.Storage.Backend)
	if cfg.Storage.Path != "" {
		fmt.Printf(" (%s)", cfg.Storage.Path)
	}
	fmt.Println()

	b := cfg.Governance.Budget
	if b.DailyCap > 0 {
		fmt.Printf("Budget:    %.4g %s/day, warnings at %.0f%%/%.0f%%, reset %02d:00 UTC\n",
			b.DailyCap, b.Unit, b.Warn1Ratio*100, b.Warn2Ratio*100, b.ResetHourUTC)
	} else {
		fmt.Printf("Budget:    unlimited (%s)\n", b.Unit)
	}

	r := cfg.Governance.RateLimits
	fmt.Printf("Limits:    cooldown %ds, %d/min per user, %d/min per channel\n",
		r.CooldownSec, r.PerUserPerMin, r.PerChannelPerMin)
	fmt.Printf("Tools:     %d/min per user, %d/min per guild\n",
		r.ToolsPerUserPerMin, r.ToolsPerGuildPerMin)

	models := 0
	for _, byModel := range cfg.Pricing {
		models += len(byModel)
	}
	fmt.Printf("Pricing:   %d models across %d providers\n", models, len(cfg.Pricing))

	return nil
}
