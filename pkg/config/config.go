// Package config loads and validates the warden configuration file.
// Configuration supplies process-level defaults: per-scope overrides
// stored by admins live in storage and always win over these values.
package config

import (
	"time"

	"warden-hq/warden/pkg/autosearch"
	"warden-hq/warden/pkg/budget"
	"warden-hq/warden/pkg/pricing"
	"warden-hq/warden/pkg/ratelimit"
)

// Config is the root configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	Governance GovernanceConfig `yaml:"governance"`
	Pricing    pricing.Table    `yaml:"pricing"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`

	AddSource bool `yaml:"add_source"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	// Backend is memory or sqlite.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file, required for the sqlite
	// backend.
	Path string `yaml:"path"`

	// CleanupSchedule is a cron expression for pruning stale scope
	// state. Empty disables the janitor.
	CleanupSchedule string `yaml:"cleanup_schedule"`

	// RetentionDays is how long untouched scope state is kept.
	RetentionDays int `yaml:"retention_days"`
}

// GovernanceConfig holds the default governance settings.
type GovernanceConfig struct {
	Budget     BudgetConfig     `yaml:"budget"`
	RateLimits RateLimitConfig  `yaml:"rate_limits"`
	Autosearch AutosearchConfig `yaml:"autosearch"`

	// EstimateTokens is the pre-flight token ceiling assumed for
	// budget projections when callers provide no estimate.
	EstimateTokens int `yaml:"estimate_tokens"`
}

// BudgetConfig is the default daily budget.
type BudgetConfig struct {
	// Unit is tokens or usd.
	Unit string `yaml:"unit"`

	// DailyCap of 0 means unlimited.
	DailyCap float64 `yaml:"daily_cap"`

	Warn1Ratio   float64 `yaml:"warn1_ratio"`
	Warn2Ratio   float64 `yaml:"warn2_ratio"`
	ResetHourUTC int     `yaml:"reset_hour_utc"`

	AdminChannelID string `yaml:"admin_channel_id"`
	DMAdmins       bool   `yaml:"dm_admins"`
}

// RateLimitConfig is the default rate limits.
type RateLimitConfig struct {
	CooldownSec         int `yaml:"cooldown_sec"`
	PerUserPerMin       int `yaml:"per_user_per_min"`
	PerChannelPerMin    int `yaml:"per_channel_per_min"`
	ToolsPerUserPerMin  int `yaml:"tools_per_user_per_min"`
	ToolsPerGuildPerMin int `yaml:"tools_per_guild_per_min"`
}

// AutosearchConfig bounds autosearch plans. Depth and result caps
// are additionally clamped to the package ceilings.
type AutosearchConfig struct {
	MaxDepth         int  `yaml:"max_depth"`
	MaxResults       int  `yaml:"max_results"`
	MaxChars         int  `yaml:"max_chars"`
	AutoscrapeSingle bool `yaml:"autoscrape_single"`
}

// BudgetDefaults converts the configured budget into the accountant
// form.
func (c *Config) BudgetDefaults() budget.Config {
	b := c.Governance.Budget
	return budget.Config{
		Unit:           budget.Unit(b.Unit),
		DailyCap:       b.DailyCap,
		Warn1Ratio:     b.Warn1Ratio,
		Warn2Ratio:     b.Warn2Ratio,
		ResetHourUTC:   b.ResetHourUTC,
		AdminChannelID: b.AdminChannelID,
		DMAdmins:       b.DMAdmins,
	}
}

// RateDefaults converts the configured limits into the limiter form.
func (c *Config) RateDefaults() ratelimit.Config {
	r := c.Governance.RateLimits
	return ratelimit.Config{
		CooldownSec:         r.CooldownSec,
		PerUserPerMin:       r.PerUserPerMin,
		PerChannelPerMin:    r.PerChannelPerMin,
		ToolsPerUserPerMin:  r.ToolsPerUserPerMin,
		ToolsPerGuildPerMin: r.ToolsPerGuildPerMin,
	}
}

// AutosearchSettings converts the configured caps into the
// classifier form.
func (c *Config) AutosearchSettings() autosearch.Settings {
	a := c.Governance.Autosearch
	return autosearch.Settings{
		MaxDepth:         a.MaxDepth,
		MaxResults:       a.MaxResults,
		MaxChars:         a.MaxChars,
		AutoscrapeSingle: a.AutoscrapeSingle,
	}
}

// Retention returns the janitor retention as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionDays) * 24 * time.Hour
}
