package config

// Backend names accepted by StorageConfig.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// ApplyDefaults fills unset fields with built-in defaults. It is
// idempotent and never overwrites explicit values.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Storage.RetentionDays == 0 {
		cfg.Storage.RetentionDays = 90
	}

	b := &cfg.Governance.Budget
	if b.Unit == "" {
		b.Unit = "tokens"
	}
	if b.Warn1Ratio == 0 {
		b.Warn1Ratio = 0.8
	}
	if b.Warn2Ratio == 0 {
		b.Warn2Ratio = 0.95
	}

	r := &cfg.Governance.RateLimits
	if r.CooldownSec == 0 {
		r.CooldownSec = 10
	}
	if r.PerUserPerMin == 0 {
		r.PerUserPerMin = 6
	}
	if r.PerChannelPerMin == 0 {
		r.PerChannelPerMin = 20
	}
	if r.ToolsPerUserPerMin == 0 {
		r.ToolsPerUserPerMin = 4
	}
	if r.ToolsPerGuildPerMin == 0 {
		r.ToolsPerGuildPerMin = 30
	}

	a := &cfg.Governance.Autosearch
	if a.MaxDepth == 0 {
		a.MaxDepth = 2
	}
	if a.MaxResults == 0 {
		a.MaxResults = 50
	}
	if a.MaxChars == 0 {
		a.MaxChars = 4000
	}

	if cfg.Governance.EstimateTokens == 0 {
		cfg.Governance.EstimateTokens = 1024
	}
}
