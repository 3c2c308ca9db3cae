package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Validate checks the configuration for values that cannot be
// enforced. It returns the first problem found.
func Validate(cfg *Config) error {
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format)
	}

	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path: required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Storage.CleanupSchedule); err != nil {
			return fmt.Errorf("storage.cleanup_schedule: %w", err)
		}
	}
	if cfg.Storage.RetentionDays < 0 {
		return fmt.Errorf("storage.retention_days: must not be negative")
	}

	if err := validateBudget(cfg.Governance.Budget); err != nil {
		return err
	}
	if err := validateRateLimits(cfg.Governance.RateLimits); err != nil {
		return err
	}
	if err := validateAutosearch(cfg.Governance.Autosearch); err != nil {
		return err
	}
	if cfg.Governance.EstimateTokens < 0 {
		return fmt.Errorf("governance.estimate_tokens: must not be negative")
	}

	for provider, models := range cfg.Pricing {
		for model, price := range models {
			if price.PromptPer1K < 0 || price.CompletionPer1K < 0 {
				return fmt.Errorf("pricing.%s.%s: prices must not be negative", provider, model)
			}
		}
	}

	return nil
}

func validateBudget(b BudgetConfig) error {
	switch b.Unit {
	case "tokens", "usd":
	default:
		return fmt.Errorf("governance.budget.unit: unknown unit %q", b.Unit)
	}
	if b.DailyCap < 0 {
		return fmt.Errorf("governance.budget.daily_cap: must not be negative")
	}
	if b.ResetHourUTC < 0 || b.ResetHourUTC > 23 {
		return fmt.Errorf("governance.budget.reset_hour_utc: must be 0-23")
	}
	if b.Warn1Ratio <= 0 || b.Warn2Ratio <= 0 || b.Warn1Ratio >= b.Warn2Ratio || b.Warn2Ratio > 1 {
		return fmt.Errorf("governance.budget: warn ratios must satisfy 0 < warn1 < warn2 <= 1")
	}
	return nil
}

func validateRateLimits(r RateLimitConfig) error {
	for name, v := range map[string]int{
		"cooldown_sec":            r.CooldownSec,
		"per_user_per_min":        r.PerUserPerMin,
		"per_channel_per_min":     r.PerChannelPerMin,
		"tools_per_user_per_min":  r.ToolsPerUserPerMin,
		"tools_per_guild_per_min": r.ToolsPerGuildPerMin,
	} {
		if v < 0 {
			return fmt.Errorf("governance.rate_limits.%s: must not be negative", name)
		}
	}
	return nil
}

func validateAutosearch(a AutosearchConfig) error {
	if a.MaxDepth < 0 || a.MaxResults < 0 || a.MaxChars < 0 {
		return fmt.Errorf("governance.autosearch: caps must not be negative")
	}
	return nil
}
