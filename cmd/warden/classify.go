package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"warden-hq/warden/pkg/autosearch"
	"warden-hq/warden/pkg/cli"
)

var classifyFlags struct {
	defaults bool
}

var classifyCmd = &cobra.Command{
	Use:   "classify <query>",
	Short: "Show the autosearch plan for a query",
	Long: `Classify a query the way the execution gate would and print the
resulting plan: mode, matched rule, confidence, and depth/result caps.

Examples:
  warden classify "weather today"
  warden classify "crawl https://docs.example.com depth 2 limit 30"
  warden classify --defaults "compare redis versus memcached in depth"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

func init() {
	rootCmd.AddCommand(classifyCmd)
	classifyCmd.Flags().BoolVar(&classifyFlags.defaults, "defaults", false,
		"use built-in settings instead of the config file")
}

func runClassify(cmd *cobra.Command, args []string) error {
	settings := autosearch.DefaultSettings()
	if !classifyFlags.defaults {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		settings = cfg.AutosearchSettings()
	}

	plan := autosearch.Classify(strings.Join(args, " "), settings)

	if cli.OutputFormat(outputFormat) == cli.FormatJSON {
		return cli.NewFormatter(cli.FormatJSON).FormatTo(os.Stdout, plan)
	}

	fmt.Printf("Mode:       %s\n", plan.Mode)
	fmt.Printf("Rule:       %s\n", plan.Rule)
	fmt.Printf("Confidence: %.2f\n", plan.Confidence)
	if len(plan.URLs) > 0 {
		fmt.Printf("URLs:       %s\n", strings.Join(plan.URLs, ", "))
	}
	switch plan.Mode {
	case autosearch.ModeCrawl:
		fmt.Printf("Caps:       depth %d, results %d\n", plan.Caps.MaxDepth, plan.Caps.MaxResults)
	case autosearch.ModeSearch, autosearch.ModeDeepResearch:
		fmt.Printf("Caps:       results %d\n", plan.Caps.MaxResults)
	case autosearch.ModeScrape:
		fmt.Printf("Caps:       %d chars per page\n", plan.Caps.MaxChars)
	}
	return nil
}
