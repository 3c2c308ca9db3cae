package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file, applies defaults, and
// validates the result. Environment variables are not consulted; use
// LoadWithEnvOverrides for that.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadWithEnvOverrides loads configuration from a YAML file and
// applies environment variable overrides of the form WARDEN_SECTION_FIELD.
// Environment variables win over file values.
func LoadWithEnvOverrides(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("WARDEN_LOGGING_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("WARDEN_LOGGING_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("WARDEN_STORAGE_BACKEND"); val != "" {
		cfg.Storage.Backend = val
	}
	if val := os.Getenv("WARDEN_STORAGE_PATH"); val != "" {
		cfg.Storage.Path = val
	}
	if val := os.Getenv("WARDEN_STORAGE_CLEANUP_SCHEDULE"); val != "" {
		cfg.Storage.CleanupSchedule = val
	}
	if val := os.Getenv("WARDEN_STORAGE_RETENTION_DAYS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Storage.RetentionDays = i
		}
	}

	if val := os.Getenv("WARDEN_BUDGET_UNIT"); val != "" {
		cfg.Governance.Budget.Unit = val
	}
	if val := os.Getenv("WARDEN_BUDGET_DAILY_CAP"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Governance.Budget.DailyCap = f
		}
	}
	if val := os.Getenv("WARDEN_BUDGET_RESET_HOUR_UTC"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Governance.Budget.ResetHourUTC = i
		}
	}

	if val := os.Getenv("WARDEN_RATE_COOLDOWN_SEC"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Governance.RateLimits.CooldownSec = i
		}
	}
	if val := os.Getenv("WARDEN_RATE_PER_USER_PER_MIN"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Governance.RateLimits.PerUserPerMin = i
		}
	}
	if val := os.Getenv("WARDEN_RATE_PER_CHANNEL_PER_MIN"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Governance.RateLimits.PerChannelPerMin = i
		}
	}
	if val := os.Getenv("WARDEN_RATE_TOOLS_PER_USER_PER_MIN"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Governance.RateLimits.ToolsPerUserPerMin = i
		}
	}
	if val := os.Getenv("WARDEN_RATE_TOOLS_PER_GUILD_PER_MIN"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Governance.RateLimits.ToolsPerGuildPerMin = i
		}
	}

	if val := os.Getenv("WARDEN_AUTOSEARCH_MAX_DEPTH"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Governance.Autosearch.MaxDepth = i
		}
	}
	if val := os.Getenv("WARDEN_AUTOSEARCH_MAX_RESULTS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Governance.Autosearch.MaxResults = i
		}
	}
	if val := os.Getenv("WARDEN_AUTOSEARCH_AUTOSCRAPE_SINGLE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Governance.Autosearch.AutoscrapeSingle = b
		}
	}
}
